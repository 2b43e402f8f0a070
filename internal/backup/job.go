package backup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dukerupert/strongbox/internal/model"
	"github.com/dukerupert/strongbox/internal/progress"
	"github.com/dukerupert/strongbox/internal/remote"
	"github.com/dukerupert/strongbox/internal/retry"
	"github.com/dukerupert/strongbox/internal/transfer"
)

const (
	uploadAttempts    = 3
	listMediaAttempts = 3

	defaultBacklogTimeout = 30 * time.Second
)

// KeyProvider yields the key material of the registered primary account.
type KeyProvider interface {
	KeyMaterial(ctx context.Context) (model.KeyMaterial, error)
}

// Settings are the user settings a run consults.
type Settings interface {
	CellularUploadsAllowed(ctx context.Context) (bool, error)
	MediaTierCapacityConsumed(ctx context.Context) (bool, error)
}

type Connectivity interface {
	IsReachableViaWifi() bool
}

// BacklogDrainer waits for in-flight ingestion to settle.
type BacklogDrainer interface {
	WaitForPendingWork(ctx context.Context) error
}

type Exporter interface {
	Export(ctx context.Context, key model.KeyMaterial, purpose model.Purpose, sink *progress.Sink) (model.UploadMetadata, error)
}

// Uploader makes a single attempt to store an exported artifact.
type Uploader interface {
	Upload(ctx context.Context, key model.KeyMaterial, meta model.UploadMetadata, auth model.UploadAuth, sink *progress.Sink) (model.UploadResult, error)
}

// AttachmentCoordinator syncs attachment media with the remote tier.
type AttachmentCoordinator interface {
	QueryListMediaIfNeeded(ctx context.Context) error
	DeleteOrphansIfNeeded(ctx context.Context) error
	BackUpAll(ctx context.Context, waitOnThumbnails bool) error
	RestoreIfNeeded(ctx context.Context) error
	OffloadIfNeeded(ctx context.Context) error
}

// QueueOverrides lets a run keep a transfer queue running while the app is
// not in the foreground.
type QueueOverrides interface {
	SetActiveOverride(active bool)
}

// UploadQueue is the attachment upload queue.
type UploadQueue interface {
	QueueOverrides
	Suspend()
	Unsuspend()
}

// JobStore persists the resumption point and failure counters.
type JobStore interface {
	ResumptionPoint(ctx context.Context) (model.ResumptionPoint, error)
	SetResumptionPoint(ctx context.Context, p model.ResumptionPoint) error
	IncrementFailureCount(ctx context.Context, kind model.FailureKind) error
}

// History records backup files produced by runs.
type History interface {
	Create(filename, objectKey, mode string) (*model.Backup, error)
	UpdateStatus(id string, status model.BackupStatus, errorMsg string) error
	UpdateCompleted(id string, sizeBytes int64, digest string) error
}

// Metrics observes runs. Outcome is "success", "cancelled" or "failure".
type Metrics interface {
	ObserveRun(mode, outcome string, d time.Duration)
	ObserveStage(stage Stage, d time.Duration)
	IncRetry(operation string)
}

type nopMetrics struct{}

func (nopMetrics) ObserveRun(string, string, time.Duration) {}
func (nopMetrics) ObserveStage(Stage, time.Duration)        {}
func (nopMetrics) IncRetry(string)                          {}

// Deps are the collaborators of a Job. Metrics and Backlog may be nil.
type Deps struct {
	Keys          KeyProvider
	Settings      Settings
	Connectivity  Connectivity
	Backlog       BacklogDrainer
	Exporter      Exporter
	Uploader      Uploader
	Attachments   AttachmentCoordinator
	UploadQueue   UploadQueue
	DownloadQueue QueueOverrides
	Store         JobStore
	History       History
	Metrics       Metrics

	// BacklogTimeout bounds the wait for ingestion to settle.
	BacklogTimeout time.Duration
	// RetryBaseDelay is the first backoff between attempts.
	RetryBaseDelay time.Duration
}

// Job runs one pass of the export pipeline. It keeps no state between runs.
type Job struct {
	deps   Deps
	logger *slog.Logger
	now    func() time.Time
}

func NewJob(deps Deps, logger *slog.Logger) *Job {
	if deps.Metrics == nil {
		deps.Metrics = nopMetrics{}
	}
	if deps.BacklogTimeout <= 0 {
		deps.BacklogTimeout = defaultBacklogTimeout
	}
	return &Job{
		deps:   deps,
		logger: logger.With("component", "backup"),
		now:    time.Now,
	}
}

// Run executes the pipeline once. A cancelled or expired ctx ends the run
// with an error wrapping the context error.
func (j *Job) Run(ctx context.Context, mode Mode) (err error) {
	if _, ok := mode.(Scheduled); ok {
		j.deps.UploadQueue.SetActiveOverride(true)
		j.deps.DownloadQueue.SetActiveOverride(true)
		defer func() {
			j.deps.UploadQueue.SetActiveOverride(false)
			j.deps.DownloadQueue.SetActiveOverride(false)
		}()
	}

	start := j.now()
	j.logger.Info("backup run started", "mode", mode.String())

	err = j.run(ctx, mode)
	if err != nil && ctx.Err() != nil && !errors.Is(err, ctx.Err()) {
		err = errors.Join(ctx.Err(), err)
	}
	j.recordOutcome(ctx, mode, err, j.now().Sub(start))
	return err
}

// recordOutcome updates failure bookkeeping. Writes use a context detached
// from cancellation so a cancelled run is still recorded.
func (j *Job) recordOutcome(ctx context.Context, mode Mode, err error, elapsed time.Duration) {
	wctx := context.WithoutCancel(ctx)
	_, scheduled := mode.(Scheduled)

	switch {
	case err == nil:
		j.deps.Metrics.ObserveRun(mode.String(), "success", elapsed)
		j.logger.Info("backup run completed", "mode", mode.String(), "duration", elapsed)

	case ctx.Err() != nil:
		j.deps.Metrics.ObserveRun(mode.String(), "cancelled", elapsed)
		j.logger.Info("backup run cancelled", "mode", mode.String(), "cause", ctx.Err())
		if scheduled {
			j.incrementFailures(wctx, model.FailureBackground)
		} else {
			j.deps.UploadQueue.Suspend()
		}

	default:
		j.deps.Metrics.ObserveRun(mode.String(), "failure", elapsed)
		j.logger.Error("backup run failed", "mode", mode.String(), "error", err)
		if scheduled {
			j.incrementFailures(wctx, model.FailureBackground)
		} else {
			j.incrementFailures(wctx, model.FailureInteractive)
		}
	}
}

func (j *Job) incrementFailures(ctx context.Context, kind model.FailureKind) {
	if err := j.deps.Store.IncrementFailureCount(ctx, kind); err != nil {
		j.logger.Error("record failure", "kind", kind, "error", err)
	}
}

func (j *Job) run(ctx context.Context, mode Mode) error {
	var onUpdate func(progress.Snapshot[Stage])
	if m, ok := mode.(Manual); ok {
		onUpdate = m.OnProgress
	}
	tracker := progress.New(Stages, onUpdate)
	_, scheduled := mode.(Scheduled)

	km, err := j.deps.Keys.KeyMaterial(ctx)
	if err != nil {
		return fmt.Errorf("backup preconditions: %w", err)
	}
	cellular, err := j.deps.Settings.CellularUploadsAllowed(ctx)
	if err != nil {
		return fmt.Errorf("read cellular setting: %w", err)
	}
	if !cellular && !j.deps.Connectivity.IsReachableViaWifi() {
		return ErrNeedsWifi
	}

	point, err := j.deps.Store.ResumptionPoint(ctx)
	if err != nil {
		return err
	}

	exportSink := tracker.Child(StageBackupFileExport)
	uploadSink := tracker.Child(StageBackupFileUpload)
	switch point {
	case model.ResumptionPostBackupFile:
		j.logger.Info("backup file already uploaded, resuming attachment work")
		exportSink.Finish()
		uploadSink.Finish()
	default:
		if err := j.backUpFile(ctx, mode, km, exportSink, uploadSink); err != nil {
			return err
		}
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	stageStart := j.now()
	attachmentSink := tracker.Child(StageAttachmentUpload)
	attachmentSink.AddUnits(1)

	// Capacity is read once so orphan deletion happens at exactly one point.
	consumed, err := j.deps.Settings.MediaTierCapacityConsumed(ctx)
	if err != nil {
		return fmt.Errorf("read media tier capacity: %w", err)
	}
	err = retry.Do(ctx, retry.Policy{
		MaxAttempts:   listMediaAttempts,
		IsRetryable:   transfer.IsNetwork,
		BaseDelay:     j.deps.RetryBaseDelay,
		JitterPercent: 10,
		Notify:        j.notify("list_media"),
	}, func(ctx context.Context) error {
		if err := j.deps.Attachments.QueryListMediaIfNeeded(ctx); err != nil {
			return err
		}
		if consumed {
			return j.deps.Attachments.DeleteOrphansIfNeeded(ctx)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("list remote media: %w", err)
	}

	if !scheduled {
		j.deps.UploadQueue.Unsuspend()
	}
	if err := j.deps.Attachments.BackUpAll(ctx, scheduled); err != nil {
		return fmt.Errorf("back up attachments: %w", err)
	}
	attachmentSink.Finish()
	j.deps.Metrics.ObserveStage(StageAttachmentUpload, j.now().Sub(stageStart))

	if err := ctx.Err(); err != nil {
		return err
	}
	stageStart = j.now()
	processingSink := tracker.Child(StageAttachmentProcessing)
	processingSink.AddUnits(1)

	if scheduled {
		if err := j.deps.Attachments.RestoreIfNeeded(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			j.logger.Warn("restore attachments failed", "error", err)
		}
	}
	if !consumed {
		if err := j.deps.Attachments.DeleteOrphansIfNeeded(ctx); err != nil {
			return fmt.Errorf("delete orphaned media: %w", err)
		}
	}
	if err := j.deps.Attachments.OffloadIfNeeded(ctx); err != nil {
		return fmt.Errorf("offload attachments: %w", err)
	}
	processingSink.Finish()
	j.deps.Metrics.ObserveStage(StageAttachmentProcessing, j.now().Sub(stageStart))

	// Every stage finished; the marker write must not be lost to a late cancel.
	if err := j.deps.Store.SetResumptionPoint(context.WithoutCancel(ctx), model.ResumptionBeginning); err != nil {
		return err
	}
	return nil
}

// backUpFile exports the backup file and uploads it, then records that the
// next run may start after the backup file.
func (j *Job) backUpFile(ctx context.Context, mode Mode, km model.KeyMaterial, exportSink, uploadSink *progress.Sink) error {
	if j.deps.Backlog != nil {
		wctx, cancel := context.WithTimeout(ctx, j.deps.BacklogTimeout)
		err := j.deps.Backlog.WaitForPendingWork(wctx)
		cancel()
		if err := ctx.Err(); err != nil {
			return err
		}
		if err != nil {
			j.logger.Warn("pending work did not settle, exporting anyway", "error", err)
		}
	}

	stageStart := j.now()
	meta, err := j.deps.Exporter.Export(ctx, km, model.PurposeRemoteBackup, exportSink)
	if err != nil {
		return fmt.Errorf("export backup file: %w", err)
	}
	exportSink.Finish()
	j.deps.Metrics.ObserveStage(StageBackupFileExport, j.now().Sub(stageStart))

	if err := ctx.Err(); err != nil {
		j.discard(meta)
		return err
	}
	stageStart = j.now()

	record, err := j.deps.History.Create(meta.Filename, remote.BackupKey(km.Auth, meta.Filename), mode.String())
	if err != nil {
		j.discard(meta)
		return err
	}
	j.setHistoryStatus(record.ID, model.BackupStatusUploading, "")

	result, err := retry.DoValue(ctx, retry.Policy{
		MaxAttempts:      uploadAttempts,
		IsRetryable:      transfer.IsRetryableUpload,
		PreferredBackoff: transfer.RetryAfter,
		BaseDelay:        j.deps.RetryBaseDelay,
		JitterPercent:    10,
		Notify:           j.notify("upload"),
	}, func(ctx context.Context) (model.UploadResult, error) {
		return j.deps.Uploader.Upload(ctx, km, meta, km.Auth, uploadSink)
	})
	if err != nil {
		j.discard(meta)
		j.setHistoryStatus(record.ID, model.BackupStatusFailed, err.Error())
		return fmt.Errorf("upload backup file: %w", err)
	}
	uploadSink.Finish()
	if err := j.deps.History.UpdateCompleted(record.ID, result.SizeBytes, meta.Digest); err != nil {
		j.logger.Warn("record completed backup", "id", record.ID, "error", err)
	}
	j.deps.Metrics.ObserveStage(StageBackupFileUpload, j.now().Sub(stageStart))

	// The file is stored remotely, so record that even if ctx ended meanwhile.
	return j.deps.Store.SetResumptionPoint(context.WithoutCancel(ctx), model.ResumptionPostBackupFile)
}

func (j *Job) setHistoryStatus(id string, status model.BackupStatus, msg string) {
	if err := j.deps.History.UpdateStatus(id, status, msg); err != nil {
		j.logger.Warn("update backup history", "id", id, "error", err)
	}
}

// discard removes an artifact that will not be uploaded by this run.
func (j *Job) discard(meta model.UploadMetadata) {
	if meta.Path == "" {
		return
	}
	if err := os.Remove(meta.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		j.logger.Warn("remove backup artifact", "path", meta.Path, "error", err)
	}
}

func (j *Job) notify(operation string) func(int, error, time.Duration) {
	return func(attempt int, err error, wait time.Duration) {
		j.deps.Metrics.IncRetry(operation)
		j.logger.Warn("retrying", "operation", operation, "attempt", attempt, "wait", wait, "error", err)
	}
}
