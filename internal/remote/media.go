package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/dukerupert/strongbox/internal/model"
	"github.com/dukerupert/strongbox/internal/transfer"
)

// maxDeleteBatch is the S3 limit on keys per DeleteObjects request.
const maxDeleteBatch = 1000

// ErrNotFound is returned when a media object does not exist remotely.
var ErrNotFound = errors.New("media object not found")

// MediaTier stores attachment media under <backup id>/media/. Names passed
// to and returned from its methods are relative to that prefix.
type MediaTier struct {
	client s3Client
	bucket string
	logger *slog.Logger
}

func NewMediaTier(client s3Client, bucket string, logger *slog.Logger) *MediaTier {
	return &MediaTier{
		client: client,
		bucket: bucket,
		logger: logger.With("component", "media"),
	}
}

func mediaPrefix(auth model.UploadAuth) string {
	return path.Join(auth.BackupID, "media") + "/"
}

// List returns every media object stored for auth.
func (m *MediaTier) List(ctx context.Context, auth model.UploadAuth) ([]model.MediaObject, error) {
	if m.client == nil {
		return nil, ErrDisabled
	}
	prefix := mediaPrefix(auth)
	p := s3.NewListObjectsV2Paginator(m.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(m.bucket),
		Prefix: aws.String(prefix),
	})

	var objects []model.MediaObject
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list media: %w", classify(err))
		}
		for _, o := range page.Contents {
			obj := model.MediaObject{
				Key:       strings.TrimPrefix(aws.ToString(o.Key), prefix),
				SizeBytes: aws.ToInt64(o.Size),
			}
			if o.LastModified != nil {
				obj.LastModified = *o.LastModified
			}
			objects = append(objects, obj)
		}
	}
	return objects, nil
}

// Put uploads the file at localPath as name.
func (m *MediaTier) Put(ctx context.Context, auth model.UploadAuth, name, localPath string) error {
	if m.client == nil {
		return ErrDisabled
	}
	f, err := os.Open(localPath)
	if err != nil {
		return transfer.FromLocal(fmt.Errorf("open media: %w", err))
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return transfer.FromLocal(fmt.Errorf("stat media: %w", err))
	}

	_, err = m.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(m.bucket),
		Key:           aws.String(mediaPrefix(auth) + name),
		Body:          f,
		ContentLength: aws.Int64(info.Size()),
	}, s3.WithAPIOptions(v4.SwapComputePayloadSHA256ForUnsignedPayloadMiddleware))
	if err != nil {
		return fmt.Errorf("put media %s: %w", name, classify(err))
	}
	return nil
}

// Get downloads name into dstPath, replacing it atomically.
func (m *MediaTier) Get(ctx context.Context, auth model.UploadAuth, name, dstPath string) error {
	if m.client == nil {
		return ErrDisabled
	}
	out, err := m.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(m.bucket),
		Key:    aws.String(mediaPrefix(auth) + name),
	})
	if err != nil {
		if isNotFound(err) {
			return fmt.Errorf("get media %s: %w", name, ErrNotFound)
		}
		return fmt.Errorf("get media %s: %w", name, classify(err))
	}
	defer out.Body.Close()

	if err := os.MkdirAll(filepath.Dir(dstPath), 0700); err != nil {
		return fmt.Errorf("create media dir: %w", err)
	}
	tmp := dstPath + ".part"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("create media file: %w", err)
	}
	if _, err := io.Copy(f, out.Body); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("download media %s: %w", name, transfer.FromNetwork(err))
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close media file: %w", err)
	}
	return os.Rename(tmp, dstPath)
}

// Delete removes the named media objects.
func (m *MediaTier) Delete(ctx context.Context, auth model.UploadAuth, names []string) error {
	if m.client == nil {
		return ErrDisabled
	}
	keys := make([]string, len(names))
	for i, n := range names {
		keys[i] = mediaPrefix(auth) + n
	}
	return deleteKeys(ctx, m.client, m.bucket, keys)
}

func deleteKeys(ctx context.Context, client s3Client, bucket string, keys []string) error {
	for start := 0; start < len(keys); start += maxDeleteBatch {
		end := min(start+maxDeleteBatch, len(keys))
		ids := make([]types.ObjectIdentifier, 0, end-start)
		for _, k := range keys[start:end] {
			ids = append(ids, types.ObjectIdentifier{Key: aws.String(k)})
		}
		out, err := client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(bucket),
			Delete: &types.Delete{Objects: ids, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return fmt.Errorf("delete objects: %w", classify(err))
		}
		if len(out.Errors) > 0 {
			e := out.Errors[0]
			return fmt.Errorf("delete %s: %s", aws.ToString(e.Key), aws.ToString(e.Message))
		}
	}
	return nil
}
