package model

import "time"

type UploadState string

const (
	UploadStatePending  UploadState = "pending"
	UploadStateUploaded UploadState = "uploaded"
	UploadStateFailed   UploadState = "failed"
)

type DownloadState string

const (
	DownloadStateNone    DownloadState = "none"
	DownloadStatePending DownloadState = "pending"
	DownloadStateDone    DownloadState = "done"
)

// Attachment is a locally known media file and its remote backup state.
type Attachment struct {
	ID             int64         `json:"id"`
	MediaName      string        `json:"media_name"`
	LocalPath      string        `json:"local_path"`
	ThumbnailPath  string        `json:"thumbnail_path,omitempty"`
	SizeBytes      int64         `json:"size_bytes"`
	UploadState    UploadState   `json:"upload_state"`
	ThumbnailState UploadState   `json:"thumbnail_state"`
	DownloadState  DownloadState `json:"download_state"`
	Offloaded      bool          `json:"offloaded"`
	LastViewedAt   *time.Time    `json:"last_viewed_at,omitempty"`
	UploadedAt     *time.Time    `json:"uploaded_at,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// MediaObject is an object listed in the remote media tier.
type MediaObject struct {
	Key          string
	SizeBytes    int64
	LastModified time.Time
}
