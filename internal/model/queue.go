package model

// QueueState is the coarse state of an attachment transfer queue.
type QueueState string

const (
	QueueRunning   QueueState = "running"
	QueuePaused    QueueState = "paused"
	QueueSuspended QueueState = "suspended"
)

// PauseReason explains why a queue is paused.
type PauseReason string

const (
	PauseNone               PauseReason = ""
	PauseNotRegistered      PauseReason = "not_registered"
	PauseNoReachability     PauseReason = "no_reachability"
	PauseNeedsWifi          PauseReason = "needs_wifi"
	PauseLowBattery         PauseReason = "low_battery"
	PauseLowPowerMode       PauseReason = "low_power_mode"
	PauseAppBackgrounded    PauseReason = "app_backgrounded"
	PauseOutOfRemoteStorage PauseReason = "out_of_remote_storage"
)

type QueueStatus struct {
	State  QueueState  `json:"state"`
	Reason PauseReason `json:"reason,omitempty"`
}

func (s QueueStatus) Running() bool {
	return s.State == QueueRunning
}
