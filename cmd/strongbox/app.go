package main

import (
	"context"
	"fmt"

	"github.com/juju/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/dukerupert/strongbox/internal/account"
	"github.com/dukerupert/strongbox/internal/archive"
	"github.com/dukerupert/strongbox/internal/attachments"
	"github.com/dukerupert/strongbox/internal/backlog"
	"github.com/dukerupert/strongbox/internal/backup"
	"github.com/dukerupert/strongbox/internal/device"
	"github.com/dukerupert/strongbox/internal/metrics"
	"github.com/dukerupert/strongbox/internal/remote"
	"github.com/dukerupert/strongbox/internal/store"
)

// app holds the wired backup components shared by the commands.
type app struct {
	settings    *store.SettingsStore
	jobs        *store.JobStore
	history     *store.BackupStore
	media       *store.AttachmentStore
	account     *account.Provider
	upload      *attachments.StatusManager
	download    *attachments.StatusManager
	uploader    *remote.Uploader
	coordinator *attachments.Coordinator
	backlog     *backlog.Tracker
	registry    *prometheus.Registry
	runner      *backup.Runner
}

func newApp() *app {
	a := &app{
		settings: store.NewSettingsStore(db),
		jobs:     store.NewJobStore(db),
		history:  store.NewBackupStore(db),
		media:    store.NewAttachmentStore(db),
		backlog:  backlog.New(),
		registry: prometheus.NewRegistry(),
	}
	a.account = account.NewProvider(a.settings, logger)

	network := device.NewConnectivity(cfg.NetworkOverride, logger)
	power := device.NewPower(cfg.PowerOverride, logger)
	a.upload = attachments.NewStatusManager(attachments.QueueUpload, network, power, a.settings, a.account, logger)
	a.download = attachments.NewStatusManager(attachments.QueueDownload, network, power, a.settings, a.account, logger)

	var tier *remote.MediaTier
	if cfg.S3.Enabled() {
		client := remote.NewClient(cfg.S3)
		a.uploader = remote.NewUploader(client, cfg.S3.Bucket, logger)
		tier = remote.NewMediaTier(client, cfg.S3.Bucket, logger)
	} else {
		logger.Warn("remote storage not configured, uploads will fail")
		a.uploader = remote.NewUploader(nil, "", logger)
		tier = remote.NewMediaTier(nil, "", logger)
	}

	a.coordinator = attachments.NewCoordinator(a.media, tier, a.account, a.settings, a.upload, a.download, attachments.Options{
		ListInterval: cfg.ListMediaInterval,
		OffloadAfter: cfg.OffloadAfter,
		Concurrency:  cfg.AttachmentConcurrency,
	}, logger)

	collector := metrics.NewCollector()
	a.registry.MustRegister(
		collector,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	job := backup.NewJob(backup.Deps{
		Keys:           a.account,
		Settings:       a.settings,
		Connectivity:   network,
		Backlog:        a.backlog,
		Exporter:       archive.NewExporter(db, cfg.ExportDir, logger),
		Uploader:       a.uploader,
		Attachments:    a.coordinator,
		UploadQueue:    a.upload,
		DownloadQueue:  a.download,
		Store:          a.jobs,
		History:        a.history,
		Metrics:        collector,
		BacklogTimeout: cfg.BacklogTimeout,
	}, logger)
	a.runner = backup.NewRunner(job, clock.WallClock, logger)
	return a
}

// unlock derives key material from the configured passphrase, if any.
func (a *app) unlock(ctx context.Context) error {
	if cfg.Passphrase == "" {
		logger.Info("no passphrase configured, account stays locked")
		return nil
	}
	registered, err := a.account.Registered(ctx)
	if err != nil {
		return err
	}
	if !registered {
		logger.Warn("passphrase configured but no account registered, run strongbox init")
		return nil
	}
	if err := a.account.Unlock(ctx, cfg.Passphrase); err != nil {
		return fmt.Errorf("unlock account: %w", err)
	}
	logger.Info("account unlocked")
	return nil
}

// shutdown cancels any running export and stops background transfers.
func (a *app) shutdown(ctx context.Context) {
	if err := a.runner.Shutdown(ctx); err != nil {
		logger.Error("runner shutdown", "error", err)
	}
	a.coordinator.Close()
}
