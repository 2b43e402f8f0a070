package attachments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"github.com/dukerupert/strongbox/internal/model"
	"github.com/dukerupert/strongbox/internal/remote"
	"github.com/dukerupert/strongbox/internal/retry"
	"github.com/dukerupert/strongbox/internal/store"
	"github.com/dukerupert/strongbox/internal/transfer"
)

const (
	defaultListInterval = 24 * time.Hour
	defaultOffloadAfter = 30 * 24 * time.Hour
	defaultConcurrency  = 4
	downloadAttempts    = 3
)

// Store is the attachment persistence the coordinator uses.
type Store interface {
	PendingUpload(ctx context.Context) ([]model.Attachment, error)
	PendingThumbnails(ctx context.Context) ([]model.Attachment, error)
	PendingDownload(ctx context.Context) ([]model.Attachment, error)
	Offloadable(ctx context.Context, before time.Time) ([]model.Attachment, error)
	MissingRemotely(ctx context.Context) ([]model.Attachment, error)
	MarkUploaded(ctx context.Context, id int64) error
	MarkUploadFailed(ctx context.Context, id int64) error
	MarkThumbnailUploaded(ctx context.Context, id int64) error
	MarkDownloaded(ctx context.Context, id int64) error
	MarkOffloaded(ctx context.Context, id int64) error
	ReplaceRemoteMedia(ctx context.Context, objects []model.MediaObject, listedAt time.Time) error
	RemoteMediaListedAt(ctx context.Context) (time.Time, bool, error)
	OrphanedRemoteMedia(ctx context.Context) ([]string, error)
	DeleteRemoteMedia(ctx context.Context, keys []string) error
}

// MediaTier is the remote side of attachment storage.
type MediaTier interface {
	List(ctx context.Context, auth model.UploadAuth) ([]model.MediaObject, error)
	Put(ctx context.Context, auth model.UploadAuth, name, localPath string) error
	Get(ctx context.Context, auth model.UploadAuth, name, dstPath string) error
	Delete(ctx context.Context, auth model.UploadAuth, names []string) error
}

// KeyProvider yields the registered account's key material.
type KeyProvider interface {
	KeyMaterial(ctx context.Context) (model.KeyMaterial, error)
}

// OptimizeSetting reports whether local copies may be offloaded.
type OptimizeSetting interface {
	OptimizeLocalStorage(ctx context.Context) (bool, error)
}

// Options tune the coordinator. Zero values select defaults.
type Options struct {
	// ListInterval is how long a remote listing stays fresh.
	ListInterval time.Duration
	// OffloadAfter is how long an attachment must go unviewed before its
	// local copy is offloaded.
	OffloadAfter time.Duration
	// Concurrency bounds parallel transfers.
	Concurrency int
	// RetryBaseDelay is the first wait between transfer attempts.
	RetryBaseDelay time.Duration
}

// Coordinator runs attachment transfers for the export job.
type Coordinator struct {
	store    Store
	tier     MediaTier
	keys     KeyProvider
	settings OptimizeSetting
	upload   *StatusManager
	download *StatusManager
	opts     Options
	logger   *slog.Logger
	now      func() time.Time

	// Thumbnail uploads that outlive BackUpAll run under bgCtx.
	bgCtx    context.Context
	bgCancel context.CancelFunc
	bgWG     sync.WaitGroup
	bgMu     sync.Mutex
	bgActive bool
}

func NewCoordinator(st Store, tier MediaTier, keys KeyProvider, settings OptimizeSetting, upload, download *StatusManager, opts Options, logger *slog.Logger) *Coordinator {
	if opts.ListInterval <= 0 {
		opts.ListInterval = defaultListInterval
	}
	if opts.OffloadAfter <= 0 {
		opts.OffloadAfter = defaultOffloadAfter
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}
	bgCtx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		store:    st,
		tier:     tier,
		keys:     keys,
		settings: settings,
		upload:   upload,
		download: download,
		opts:     opts,
		logger:   logger.With("component", "attachments"),
		now:      time.Now,
		bgCtx:    bgCtx,
		bgCancel: cancel,
	}
}

// Close cancels background thumbnail uploads and waits for them.
func (c *Coordinator) Close() {
	c.bgCancel()
	c.bgWG.Wait()
}

func (c *Coordinator) auth(ctx context.Context) (model.UploadAuth, error) {
	km, err := c.keys.KeyMaterial(ctx)
	if err != nil {
		return model.UploadAuth{}, err
	}
	return km.Auth, nil
}

// QueryListMediaIfNeeded refreshes the cached remote listing when it is
// older than ListInterval, and requeues uploaded attachments the listing
// does not contain.
func (c *Coordinator) QueryListMediaIfNeeded(ctx context.Context) error {
	listedAt, ok, err := c.store.RemoteMediaListedAt(ctx)
	if err != nil {
		return err
	}
	if ok && c.now().Sub(listedAt) < c.opts.ListInterval {
		return nil
	}

	auth, err := c.auth(ctx)
	if err != nil {
		return err
	}
	objects, err := c.tier.List(ctx, auth)
	if err != nil {
		return err
	}
	if err := c.store.ReplaceRemoteMedia(ctx, objects, c.now()); err != nil {
		return err
	}

	missing, err := c.store.MissingRemotely(ctx)
	if err != nil {
		return err
	}
	for _, a := range missing {
		if err := c.store.MarkUploadFailed(ctx, a.ID); err != nil {
			return err
		}
	}
	c.logger.Info("remote media listed", "objects", len(objects), "requeued", len(missing))
	return nil
}

// DeleteOrphansIfNeeded deletes remote media that no local attachment
// refers to.
func (c *Coordinator) DeleteOrphansIfNeeded(ctx context.Context) error {
	orphans, err := c.store.OrphanedRemoteMedia(ctx)
	if err != nil {
		return err
	}
	if len(orphans) == 0 {
		return nil
	}
	auth, err := c.auth(ctx)
	if err != nil {
		return err
	}
	if err := c.tier.Delete(ctx, auth, orphans); err != nil {
		return fmt.Errorf("delete orphaned media: %w", err)
	}
	if err := c.store.DeleteRemoteMedia(ctx, orphans); err != nil {
		return err
	}
	c.logger.Info("orphaned media deleted", "count", len(orphans))
	return nil
}

// BackUpAll uploads every pending original. Thumbnails are uploaded before
// returning when waitOnThumbnails is set, otherwise in the background.
// Nothing is uploaded while the upload queue is not running.
func (c *Coordinator) BackUpAll(ctx context.Context, waitOnThumbnails bool) error {
	if st := c.upload.Status(ctx); !st.Running() {
		c.logger.Info("upload queue not running", "state", st.State, "reason", st.Reason)
		return nil
	}
	auth, err := c.auth(ctx)
	if err != nil {
		return err
	}

	pending, err := c.store.PendingUpload(ctx)
	if err != nil {
		return err
	}
	var total int64
	for _, a := range pending {
		total += a.SizeBytes
	}
	if len(pending) > 0 {
		c.logger.Info("uploading attachments", "count", len(pending), "size", humanize.Bytes(uint64(total)))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.opts.Concurrency)
	for _, a := range pending {
		g.Go(func() error {
			return c.uploadOne(gctx, auth, a.ID, a.MediaName, a.LocalPath, c.store.MarkUploaded)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if waitOnThumbnails {
		return c.uploadThumbnails(ctx, auth)
	}

	c.bgMu.Lock()
	defer c.bgMu.Unlock()
	if c.bgActive {
		return nil
	}
	c.bgActive = true
	c.bgWG.Add(1)
	go func() {
		defer c.bgWG.Done()
		defer func() {
			c.bgMu.Lock()
			c.bgActive = false
			c.bgMu.Unlock()
		}()
		if err := c.uploadThumbnails(c.bgCtx, auth); err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Warn("background thumbnail upload failed", "error", err)
		}
	}()
	return nil
}

func (c *Coordinator) uploadThumbnails(ctx context.Context, auth model.UploadAuth) error {
	pending, err := c.store.PendingThumbnails(ctx)
	if err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.opts.Concurrency)
	for _, a := range pending {
		if a.ThumbnailPath == "" {
			continue
		}
		g.Go(func() error {
			return c.uploadOne(gctx, auth, a.ID, a.MediaName+store.ThumbnailSuffix, a.ThumbnailPath, c.store.MarkThumbnailUploaded)
		})
	}
	return g.Wait()
}

// uploadOne retries network failures until ctx ends. Other failures mark
// the attachment failed and do not stop the batch.
func (c *Coordinator) uploadOne(ctx context.Context, auth model.UploadAuth, id int64, name, localPath string, markDone func(context.Context, int64) error) error {
	err := retry.Do(ctx, retry.Policy{
		MaxAttempts:      retry.Unbounded,
		IsRetryable:      transfer.IsNetwork,
		PreferredBackoff: transfer.RetryAfter,
		BaseDelay:        c.opts.RetryBaseDelay,
		MaxDelay:         5 * time.Minute,
		JitterPercent:    10,
	}, func(ctx context.Context) error {
		return c.tier.Put(ctx, auth, name, localPath)
	})
	switch {
	case err == nil:
		return markDone(ctx, id)
	case ctx.Err() != nil:
		return ctx.Err()
	default:
		c.logger.Warn("attachment upload failed", "media", name, "error", err)
		return c.store.MarkUploadFailed(ctx, id)
	}
}

// RestoreIfNeeded downloads attachments queued for restoration. It does
// nothing while the download queue is not running.
func (c *Coordinator) RestoreIfNeeded(ctx context.Context) error {
	if st := c.download.Status(ctx); !st.Running() {
		c.logger.Info("download queue not running", "state", st.State, "reason", st.Reason)
		return nil
	}
	pending, err := c.store.PendingDownload(ctx)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}
	auth, err := c.auth(ctx)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.opts.Concurrency)
	for _, a := range pending {
		g.Go(func() error {
			err := retry.Do(gctx, retry.Policy{
				MaxAttempts:   downloadAttempts,
				IsRetryable:   transfer.IsNetwork,
				BaseDelay:     c.opts.RetryBaseDelay,
				JitterPercent: 10,
			}, func(ctx context.Context) error {
				return c.tier.Get(ctx, auth, a.MediaName, a.LocalPath)
			})
			if err != nil {
				return fmt.Errorf("restore %s: %w", a.MediaName, err)
			}
			return c.store.MarkDownloaded(gctx, a.ID)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	c.logger.Info("attachments restored", "count", len(pending))
	return nil
}

// OffloadIfNeeded removes local copies of uploaded attachments not viewed
// within OffloadAfter, when local storage optimization is enabled.
func (c *Coordinator) OffloadIfNeeded(ctx context.Context) error {
	enabled, err := c.settings.OptimizeLocalStorage(ctx)
	if err != nil {
		return err
	}
	if !enabled {
		return nil
	}
	candidates, err := c.store.Offloadable(ctx, c.now().Add(-c.opts.OffloadAfter))
	if err != nil {
		return err
	}

	var freed int64
	for _, a := range candidates {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := os.Remove(a.LocalPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("offload %s: %w", a.MediaName, err)
		}
		if err := c.store.MarkOffloaded(ctx, a.ID); err != nil {
			return err
		}
		freed += a.SizeBytes
	}
	if len(candidates) > 0 {
		c.logger.Info("attachments offloaded", "count", len(candidates), "freed", humanize.Bytes(uint64(freed)))
	}
	return nil
}

var _ MediaTier = (*remote.MediaTier)(nil)
