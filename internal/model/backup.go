package model

import "time"

type BackupStatus string

const (
	BackupStatusPending   BackupStatus = "pending"
	BackupStatusUploading BackupStatus = "uploading"
	BackupStatusCompleted BackupStatus = "completed"
	BackupStatusFailed    BackupStatus = "failed"
)

// Backup is one backup file produced by an export run.
type Backup struct {
	ID           string       `json:"id"`
	Filename     string       `json:"filename"`
	ObjectKey    string       `json:"object_key"`
	SizeBytes    int64        `json:"size_bytes"`
	Digest       string       `json:"digest"`
	Mode         string       `json:"mode"`
	Status       BackupStatus `json:"status"`
	ErrorMessage string       `json:"error_message,omitempty"`
	StartedAt    *time.Time   `json:"started_at,omitempty"`
	CompletedAt  *time.Time   `json:"completed_at,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// Purpose says what an exported backup file is for.
type Purpose string

const (
	PurposeRemoteBackup Purpose = "remote_backup"
	PurposeLocalExport  Purpose = "local_export"
)

// KeyMaterial is everything needed to encrypt and address a backup for the
// registered primary account.
type KeyMaterial struct {
	AccountID string
	BackupKey []byte
	MediaKey  []byte
	Salt      []byte
	Auth      UploadAuth
}

// UploadAuth identifies where an account's backup objects live remotely.
type UploadAuth struct {
	BackupID string
}

// UploadMetadata describes an exported, encrypted backup file on disk.
type UploadMetadata struct {
	Path      string
	Filename  string
	SizeBytes int64
	Digest    string
	Purpose   Purpose
	CreatedAt time.Time
}

// UploadResult describes a backup file stored remotely.
type UploadResult struct {
	ObjectKey  string
	SizeBytes  int64
	ETag       string
	UploadedAt time.Time
}
