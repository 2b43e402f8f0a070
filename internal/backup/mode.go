package backup

import (
	"errors"

	"github.com/dukerupert/strongbox/internal/progress"
)

// ErrNeedsWifi is returned when cellular uploads are disabled and no
// unmetered connection is available.
var ErrNeedsWifi = errors.New("backup needs wifi")

// Mode says how a run was triggered. It is either Manual or Scheduled.
type Mode interface {
	String() string
	isMode()
}

// Manual is a run started by the user. OnProgress, if set, receives every
// progress snapshot.
type Manual struct {
	OnProgress func(progress.Snapshot[Stage])
}

// Scheduled is a run started by the background scheduler, usually under a
// time budget carried by its context.
type Scheduled struct{}

func (Manual) String() string    { return "manual" }
func (Scheduled) String() string { return "scheduled" }

func (Manual) isMode()    {}
func (Scheduled) isMode() {}

// Update is a runner status change: Idle, Progress or Completion.
type Update interface {
	isUpdate()
}

// Idle means no run is in progress.
type Idle struct{}

// Progress reports a run in progress.
type Progress struct {
	Snapshot progress.Snapshot[Stage]
}

// Completion reports the end of a run. Err is nil on success.
type Completion struct {
	Err error
}

func (Idle) isUpdate()       {}
func (Progress) isUpdate()   {}
func (Completion) isUpdate() {}
