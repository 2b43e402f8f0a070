package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dukerupert/strongbox/internal/model"
)

// ThumbnailSuffix is appended to a media name to form its thumbnail key.
const ThumbnailSuffix = ".thumb"

const attachmentColumns = `id, media_name, local_path, thumbnail_path, size_bytes, upload_state, thumbnail_state, download_state, offloaded, last_viewed_at, uploaded_at, created_at, updated_at`

type AttachmentStore struct {
	db *sql.DB
}

func NewAttachmentStore(db *sql.DB) *AttachmentStore {
	return &AttachmentStore{db: db}
}

func scanAttachment(row rowScanner) (*model.Attachment, error) {
	a := &model.Attachment{}
	var lastViewed, uploaded sql.NullTime
	if err := row.Scan(&a.ID, &a.MediaName, &a.LocalPath, &a.ThumbnailPath, &a.SizeBytes, &a.UploadState,
		&a.ThumbnailState, &a.DownloadState, &a.Offloaded, &lastViewed, &uploaded, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	if lastViewed.Valid {
		a.LastViewedAt = &lastViewed.Time
	}
	if uploaded.Valid {
		a.UploadedAt = &uploaded.Time
	}
	return a, nil
}

func (s *AttachmentStore) list(ctx context.Context, where string, args ...any) ([]model.Attachment, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+attachmentColumns+` FROM attachments WHERE `+where+` ORDER BY id`, args...)
	if err != nil {
		return nil, fmt.Errorf("list attachments: %w", err)
	}
	defer rows.Close()

	var out []model.Attachment
	for rows.Next() {
		a, err := scanAttachment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan attachment: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// Create records a local attachment that has not been uploaded yet.
func (s *AttachmentStore) Create(ctx context.Context, mediaName, localPath, thumbnailPath string, sizeBytes int64) (*model.Attachment, error) {
	now := time.Now().UTC()
	thumbState := model.UploadStatePending
	if thumbnailPath == "" {
		thumbState = model.UploadStateUploaded
	}
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO attachments (media_name, local_path, thumbnail_path, size_bytes, upload_state, thumbnail_state, download_state, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		mediaName, localPath, thumbnailPath, sizeBytes, model.UploadStatePending, thumbState, model.DownloadStateNone, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("create attachment: %w", err)
	}
	id, _ := result.LastInsertId()
	return &model.Attachment{
		ID:             id,
		MediaName:      mediaName,
		LocalPath:      localPath,
		ThumbnailPath:  thumbnailPath,
		SizeBytes:      sizeBytes,
		UploadState:    model.UploadStatePending,
		ThumbnailState: thumbState,
		DownloadState:  model.DownloadStateNone,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

func (s *AttachmentStore) GetByID(ctx context.Context, id int64) (*model.Attachment, error) {
	a, err := scanAttachment(s.db.QueryRowContext(ctx, `SELECT `+attachmentColumns+` FROM attachments WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get attachment %d: %w", id, err)
	}
	return a, nil
}

// PendingUpload lists attachments whose original still has to be uploaded,
// including ones whose last attempt failed.
func (s *AttachmentStore) PendingUpload(ctx context.Context) ([]model.Attachment, error) {
	return s.list(ctx, `upload_state != ? AND offloaded = 0`, model.UploadStateUploaded)
}

// PendingThumbnails lists uploaded attachments whose thumbnail is not.
func (s *AttachmentStore) PendingThumbnails(ctx context.Context) ([]model.Attachment, error) {
	return s.list(ctx, `upload_state = ? AND thumbnail_state != ?`, model.UploadStateUploaded, model.UploadStateUploaded)
}

func (s *AttachmentStore) PendingDownload(ctx context.Context) ([]model.Attachment, error) {
	return s.list(ctx, `download_state = ?`, model.DownloadStatePending)
}

// Offloadable lists attachments that are safely stored remotely, still held
// locally, and not viewed since before.
func (s *AttachmentStore) Offloadable(ctx context.Context, before time.Time) ([]model.Attachment, error) {
	return s.list(ctx,
		`upload_state = ? AND offloaded = 0 AND COALESCE(last_viewed_at, created_at) < ?`,
		model.UploadStateUploaded, before,
	)
}

func (s *AttachmentStore) MarkUploaded(ctx context.Context, id int64) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`UPDATE attachments SET upload_state = ?, uploaded_at = ?, updated_at = ? WHERE id = ?`,
		model.UploadStateUploaded, now, now, id,
	)
	if err != nil {
		return fmt.Errorf("mark attachment %d uploaded: %w", id, err)
	}
	return nil
}

func (s *AttachmentStore) MarkUploadFailed(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE attachments SET upload_state = ?, updated_at = ? WHERE id = ?`,
		model.UploadStateFailed, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("mark attachment %d failed: %w", id, err)
	}
	return nil
}

func (s *AttachmentStore) MarkThumbnailUploaded(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE attachments SET thumbnail_state = ?, updated_at = ? WHERE id = ?`,
		model.UploadStateUploaded, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("mark thumbnail %d uploaded: %w", id, err)
	}
	return nil
}

// RequestDownload queues an offloaded attachment for restoration.
func (s *AttachmentStore) RequestDownload(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE attachments SET download_state = ?, updated_at = ? WHERE id = ? AND offloaded = 1`,
		model.DownloadStatePending, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("request download %d: %w", id, err)
	}
	return nil
}

func (s *AttachmentStore) MarkDownloaded(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE attachments SET download_state = ?, offloaded = 0, updated_at = ? WHERE id = ?`,
		model.DownloadStateDone, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("mark attachment %d downloaded: %w", id, err)
	}
	return nil
}

func (s *AttachmentStore) MarkOffloaded(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE attachments SET offloaded = 1, download_state = ?, updated_at = ? WHERE id = ?`,
		model.DownloadStateNone, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("mark attachment %d offloaded: %w", id, err)
	}
	return nil
}

// ReplaceRemoteMedia replaces the cached remote media listing.
func (s *AttachmentStore) ReplaceRemoteMedia(ctx context.Context, objects []model.MediaObject, listedAt time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM remote_media`); err != nil {
		return fmt.Errorf("clear remote media: %w", err)
	}
	for _, o := range objects {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO remote_media (key, size_bytes, last_modified, listed_at) VALUES (?, ?, ?, ?)`,
			o.Key, o.SizeBytes, o.LastModified.UTC(), listedAt.UTC(),
		); err != nil {
			return fmt.Errorf("insert remote media %q: %w", o.Key, err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO job_state (collection, key, value, updated_at) VALUES ('RemoteMedia', 'listed_at', ?, ?)
		 ON CONFLICT(collection, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		listedAt.UTC().Format(time.RFC3339Nano), listedAt.UTC(),
	); err != nil {
		return fmt.Errorf("record listing time: %w", err)
	}
	return tx.Commit()
}

// RemoteMediaListedAt returns when the remote listing was last refreshed.
func (s *AttachmentStore) RemoteMediaListedAt(ctx context.Context) (time.Time, bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM job_state WHERE collection = 'RemoteMedia' AND key = 'listed_at'`,
	).Scan(&v)
	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("get remote listing time: %w", err)
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parse remote listing time: %w", err)
	}
	return t, true, nil
}

// OrphanedRemoteMedia returns remote keys that no local attachment or
// thumbnail refers to.
func (s *AttachmentStore) OrphanedRemoteMedia(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key FROM remote_media
		 WHERE key NOT IN (SELECT media_name FROM attachments)
		   AND key NOT IN (SELECT media_name || ? FROM attachments)
		 ORDER BY key`,
		ThumbnailSuffix,
	)
	if err != nil {
		return nil, fmt.Errorf("list orphaned media: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("scan media key: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func (s *AttachmentStore) DeleteRemoteMedia(ctx context.Context, keys []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, k := range keys {
		if _, err := tx.ExecContext(ctx, `DELETE FROM remote_media WHERE key = ?`, k); err != nil {
			return fmt.Errorf("delete remote media %q: %w", k, err)
		}
	}
	return tx.Commit()
}

// All lists every attachment.
func (s *AttachmentStore) All(ctx context.Context) ([]model.Attachment, error) {
	return s.list(ctx, `1 = 1`)
}

// MissingRemotely lists attachments recorded as uploaded whose original is
// absent from the cached remote listing.
func (s *AttachmentStore) MissingRemotely(ctx context.Context) ([]model.Attachment, error) {
	return s.list(ctx,
		`upload_state = ? AND offloaded = 0 AND media_name NOT IN (SELECT key FROM remote_media)`,
		model.UploadStateUploaded,
	)
}
