// Package attachments moves attachment media between local storage and the
// remote media tier and reports whether its transfer queues may run.
package attachments

import (
	"context"
	"log/slog"
	"sync"

	"github.com/dukerupert/strongbox/internal/model"
)

// Queue identifies one of the two transfer queues.
type Queue string

const (
	QueueUpload   Queue = "upload"
	QueueDownload Queue = "download"
)

// NetworkOracle reports host connectivity.
type NetworkOracle interface {
	IsReachable() bool
	IsReachableViaWifi() bool
}

// PowerOracle reports host battery state.
type PowerOracle interface {
	BatteryLow() bool
}

// StatusSettings is the part of the settings store queue status depends on.
type StatusSettings interface {
	CellularUploadsAllowed(ctx context.Context) (bool, error)
	LowPowerMode(ctx context.Context) (bool, error)
	MediaTierCapacityConsumed(ctx context.Context) (bool, error)
}

// Registration reports whether a primary account is registered.
type Registration interface {
	Registered(ctx context.Context) (bool, error)
}

// StatusManager derives the status of one queue from host conditions,
// settings and its own overrides.
type StatusManager struct {
	queue    Queue
	network  NetworkOracle
	power    PowerOracle
	settings StatusSettings
	account  Registration
	logger   *slog.Logger

	mu             sync.Mutex
	activeOverride bool
	appActive      bool
	suspended      bool
}

func NewStatusManager(queue Queue, network NetworkOracle, power PowerOracle, settings StatusSettings, account Registration, logger *slog.Logger) *StatusManager {
	return &StatusManager{
		queue:     queue,
		network:   network,
		power:     power,
		settings:  settings,
		account:   account,
		logger:    logger.With("component", "queue", "queue", string(queue)),
		appActive: true,
	}
}

// Queue returns the queue this manager reports on.
func (m *StatusManager) Queue() Queue {
	return m.queue
}

// Status returns the queue's current status. Setting read failures are
// logged and treated as the permissive default.
func (m *StatusManager) Status(ctx context.Context) model.QueueStatus {
	m.mu.Lock()
	suspended := m.suspended
	active := m.appActive || m.activeOverride
	m.mu.Unlock()

	if suspended {
		return model.QueueStatus{State: model.QueueSuspended}
	}
	if registered, err := m.account.Registered(ctx); err != nil || !registered {
		if err != nil {
			m.logger.Warn("read registration", "error", err)
		}
		return paused(model.PauseNotRegistered)
	}
	if !m.network.IsReachable() {
		return paused(model.PauseNoReachability)
	}
	if !m.network.IsReachableViaWifi() && !m.boolSetting(ctx, m.settings.CellularUploadsAllowed) {
		return paused(model.PauseNeedsWifi)
	}
	if m.power.BatteryLow() {
		return paused(model.PauseLowBattery)
	}
	if m.boolSetting(ctx, m.settings.LowPowerMode) {
		return paused(model.PauseLowPowerMode)
	}
	if !active {
		return paused(model.PauseAppBackgrounded)
	}
	if m.queue == QueueUpload && m.boolSetting(ctx, m.settings.MediaTierCapacityConsumed) {
		return paused(model.PauseOutOfRemoteStorage)
	}
	return model.QueueStatus{State: model.QueueRunning}
}

func (m *StatusManager) boolSetting(ctx context.Context, get func(context.Context) (bool, error)) bool {
	v, err := get(ctx)
	if err != nil {
		m.logger.Warn("read queue setting", "error", err)
		return false
	}
	return v
}

func paused(reason model.PauseReason) model.QueueStatus {
	return model.QueueStatus{State: model.QueuePaused, Reason: reason}
}

// SetActiveOverride makes the queue behave as if the app were active while
// set.
func (m *StatusManager) SetActiveOverride(active bool) {
	m.mu.Lock()
	m.activeOverride = active
	m.mu.Unlock()
	m.logger.Debug("active override", "active", active)
}

// SetAppActive records whether the app is in the foreground.
func (m *StatusManager) SetAppActive(active bool) {
	m.mu.Lock()
	m.appActive = active
	m.mu.Unlock()
}

// Suspend stops the queue until Unsuspend is called.
func (m *StatusManager) Suspend() {
	m.mu.Lock()
	changed := !m.suspended
	m.suspended = true
	m.mu.Unlock()
	if changed {
		m.logger.Info("queue suspended")
	}
}

func (m *StatusManager) Unsuspend() {
	m.mu.Lock()
	changed := m.suspended
	m.suspended = false
	m.mu.Unlock()
	if changed {
		m.logger.Info("queue unsuspended")
	}
}
