// Package scheduler triggers the daily background backup and prunes old
// backup files.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/juju/clock"

	"github.com/dukerupert/strongbox/internal/model"
)

const (
	defaultInterval = time.Minute
	defaultMinGap   = 20 * time.Hour
)

// Starter starts a scheduled backup run unless one is already running.
type Starter interface {
	StartScheduledIfNecessary(budget time.Duration) bool
}

type Settings interface {
	BackupEnabled(ctx context.Context) (bool, error)
	ScheduleHour(ctx context.Context) (int, error)
}

// History is the record of backup files.
type History interface {
	LatestCompleted() (*model.Backup, error)
	ExpiredBefore(before time.Time) ([]string, error)
	DeleteByObjectKeys(keys []string) error
}

// Remover deletes backup files from remote storage.
type Remover interface {
	Delete(ctx context.Context, keys []string) error
}

type Config struct {
	// Interval is how often the schedule is checked.
	Interval time.Duration
	// Budget limits each scheduled run. Zero means no limit.
	Budget time.Duration
	// MinGap is the least time between two scheduled runs.
	MinGap time.Duration
	// Retention is how long backup files are kept. Zero keeps them forever.
	Retention time.Duration
}

// Scheduler starts a scheduled run once a day at the configured hour.
type Scheduler struct {
	clock    clock.Clock
	starter  Starter
	settings Settings
	history  History
	remover  Remover
	cfg      Config
	logger   *slog.Logger

	mu            sync.RWMutex
	cancel        context.CancelFunc
	done          chan struct{}
	lastTriggered time.Time
}

func New(clk clock.Clock, starter Starter, settings Settings, history History, remover Remover, cfg Config, logger *slog.Logger) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.MinGap <= 0 {
		cfg.MinGap = defaultMinGap
	}
	return &Scheduler{
		clock:    clk,
		starter:  starter,
		settings: settings,
		history:  history,
		remover:  remover,
		cfg:      cfg,
		logger:   logger.With("component", "scheduler"),
	}
}

// Start begins the scheduler loop.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.clock.After(s.cfg.Interval):
				s.tick(ctx)
			}
		}
	}()
}

// Stop stops the loop and waits for it to exit.
func (s *Scheduler) Stop() {
	s.mu.RLock()
	cancel := s.cancel
	done := s.done
	s.mu.RUnlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	if !s.due(ctx) {
		return
	}

	s.mu.Lock()
	s.lastTriggered = s.clock.Now()
	s.mu.Unlock()

	if s.starter.StartScheduledIfNecessary(s.cfg.Budget) {
		s.logger.Info("scheduled backup started", "budget", s.cfg.Budget)
	} else {
		s.logger.Info("backup already running, skipping scheduled start")
	}

	s.prune(ctx)
}

// due reports whether a scheduled run should start now.
func (s *Scheduler) due(ctx context.Context) bool {
	enabled, err := s.settings.BackupEnabled(ctx)
	if err != nil {
		s.logger.Error("read backup settings", "error", err)
		return false
	}
	if !enabled {
		return false
	}
	hour, err := s.settings.ScheduleHour(ctx)
	if err != nil {
		s.logger.Error("read schedule hour", "error", err)
		return false
	}

	now := s.clock.Now().UTC()
	if now.Hour() != hour {
		return false
	}

	s.mu.RLock()
	last := s.lastTriggered
	s.mu.RUnlock()
	if !last.IsZero() && now.Sub(last) < s.cfg.MinGap {
		return false
	}

	latest, err := s.history.LatestCompleted()
	if err != nil {
		s.logger.Error("read latest backup", "error", err)
		return false
	}
	if latest != nil && latest.CompletedAt != nil && now.Sub(*latest.CompletedAt) < s.cfg.MinGap {
		return false
	}
	return true
}

// prune removes backup files older than the retention period. History rows
// go only once their remote objects are gone, so a failed delete is retried
// on a later tick. The newest completed backup is always kept.
func (s *Scheduler) prune(ctx context.Context) {
	if s.cfg.Retention <= 0 {
		return
	}
	cutoff := s.clock.Now().UTC().Add(-s.cfg.Retention)
	keys, err := s.history.ExpiredBefore(cutoff)
	if err != nil {
		s.logger.Error("find expired backups", "error", err)
		return
	}
	if len(keys) == 0 {
		return
	}
	if err := s.remover.Delete(ctx, keys); err != nil {
		s.logger.Warn("delete expired backup files", "count", len(keys), "error", err)
		return
	}
	if err := s.history.DeleteByObjectKeys(keys); err != nil {
		s.logger.Error("prune backup history", "count", len(keys), "error", err)
		return
	}
	s.logger.Info("expired backup files deleted", "count", len(keys))
}
