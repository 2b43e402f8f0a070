package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/dustin/go-humanize"

	"github.com/dukerupert/strongbox/internal/model"
	"github.com/dukerupert/strongbox/internal/progress"
	"github.com/dukerupert/strongbox/internal/transfer"
)

// Uploader stores backup artifacts under <backup id>/backups/.
type Uploader struct {
	client s3Client
	bucket string
	logger *slog.Logger
	now    func() time.Time
}

// NewUploader returns an Uploader. A nil client yields an Uploader whose
// operations fail with ErrDisabled.
func NewUploader(client s3Client, bucket string, logger *slog.Logger) *Uploader {
	return &Uploader{
		client: client,
		bucket: bucket,
		logger: logger.With("component", "remote"),
		now:    time.Now,
	}
}

// BackupKey returns the object key of a backup artifact.
func BackupKey(auth model.UploadAuth, filename string) string {
	return path.Join(auth.BackupID, "backups", filename)
}

// Upload makes a single attempt to store the artifact described by meta.
// Failures are returned as *transfer.Error where they can be classified.
// Artifacts exported for remote backup are removed locally once stored.
func (u *Uploader) Upload(ctx context.Context, key model.KeyMaterial, meta model.UploadMetadata, auth model.UploadAuth, sink *progress.Sink) (model.UploadResult, error) {
	if u.client == nil {
		return model.UploadResult{}, ErrDisabled
	}
	if auth.BackupID == "" {
		return model.UploadResult{}, transfer.New(transfer.KindBadURL, errors.New("missing backup id"))
	}
	if meta.Path == "" {
		return model.UploadResult{}, transfer.New(transfer.KindMissingFile, errors.New("no artifact path"))
	}

	f, err := os.Open(meta.Path)
	if err != nil {
		return model.UploadResult{}, transfer.FromLocal(fmt.Errorf("open artifact: %w", err))
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return model.UploadResult{}, transfer.FromLocal(fmt.Errorf("stat artifact: %w", err))
	}

	objectKey := BackupKey(auth, meta.Filename)
	body := newProgressBody(f, info.Size(), sink)

	out, err := u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(u.bucket),
		Key:           aws.String(objectKey),
		Body:          body,
		ContentLength: aws.Int64(info.Size()),
		ContentType:   aws.String("application/octet-stream"),
		Metadata: map[string]string{
			"sha256":  meta.Digest,
			"account": key.AccountID,
			"purpose": string(meta.Purpose),
		},
	}, s3.WithAPIOptions(v4.SwapComputePayloadSHA256ForUnsignedPayloadMiddleware))
	if err != nil {
		return model.UploadResult{}, classify(err)
	}
	body.finish()

	if meta.Purpose == model.PurposeRemoteBackup {
		if err := os.Remove(meta.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			u.logger.Warn("remove uploaded artifact", "path", meta.Path, "error", err)
		}
	}

	u.logger.Info("backup uploaded", "key", objectKey, "size", humanize.Bytes(uint64(info.Size())))

	return model.UploadResult{
		ObjectKey:  objectKey,
		SizeBytes:  info.Size(),
		ETag:       aws.ToString(out.ETag),
		UploadedAt: u.now().UTC(),
	}, nil
}

// Delete removes backup artifacts by object key.
func (u *Uploader) Delete(ctx context.Context, keys []string) error {
	if u.client == nil {
		return ErrDisabled
	}
	return deleteKeys(ctx, u.client, u.bucket, keys)
}

// progressBody reports bytes read as completed sink units. It stays
// seekable so the SDK can rewind it, and only the furthest position read
// counts toward progress.
type progressBody struct {
	f    io.ReadSeeker
	sink *progress.Sink

	pos      int64
	reported int64
	size     int64
}

func newProgressBody(f io.ReadSeeker, size int64, sink *progress.Sink) *progressBody {
	sink.AddUnits(size)
	return &progressBody{f: f, sink: sink, size: size}
}

func (b *progressBody) Read(p []byte) (int, error) {
	n, err := b.f.Read(p)
	b.pos += int64(n)
	if b.pos > b.reported {
		b.sink.CompleteUnits(b.pos - b.reported)
		b.reported = b.pos
	}
	return n, err
}

func (b *progressBody) Seek(offset int64, whence int) (int64, error) {
	pos, err := b.f.Seek(offset, whence)
	if err == nil {
		b.pos = pos
	}
	return pos, err
}

func (b *progressBody) finish() {
	if b.reported < b.size {
		b.sink.CompleteUnits(b.size - b.reported)
		b.reported = b.size
	}
}
