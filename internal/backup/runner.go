package backup

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/juju/clock"

	"github.com/dukerupert/strongbox/internal/debounce"
	"github.com/dukerupert/strongbox/internal/progress"
)

// DebounceWindow is the window over which progress updates are coalesced.
const DebounceWindow = 200 * time.Millisecond

// ErrShutdown is returned by Shutdown when called twice.
var ErrShutdown = errors.New("runner shut down")

// JobRunner runs one export pass.
type JobRunner interface {
	Run(ctx context.Context, mode Mode) error
}

type taggedSnapshot struct {
	runID    uint64
	snapshot progress.Snapshot[Stage]
}

// Runner runs at most one Job at a time and publishes its status to any
// number of observers.
type Runner struct {
	job       JobRunner
	logger    *slog.Logger
	debouncer *debounce.Debouncer[taggedSnapshot]

	// mu guards every field below.
	mu        sync.Mutex
	runID     uint64
	cancel    context.CancelFunc
	done      chan struct{}
	status    Update
	observers map[*observer]struct{}
	closed    bool
}

func NewRunner(job JobRunner, clk clock.Clock, logger *slog.Logger) *Runner {
	r := &Runner{
		job:       job,
		logger:    logger.With("component", "runner"),
		status:    Idle{},
		observers: make(map[*observer]struct{}),
	}
	r.debouncer = debounce.New(clk, DebounceWindow, r.publishProgress)
	return r
}

// StartIfNecessary starts a manual run unless one is already running. It
// reports whether a run was started.
func (r *Runner) StartIfNecessary() bool {
	return r.start(0, func(runID uint64) Mode {
		return Manual{OnProgress: func(s progress.Snapshot[Stage]) {
			r.debouncer.Push(taggedSnapshot{runID: runID, snapshot: s})
		}}
	})
}

// StartScheduledIfNecessary starts a scheduled run limited to budget unless
// one is already running. A budget of zero means no limit.
func (r *Runner) StartScheduledIfNecessary(budget time.Duration) bool {
	return r.start(budget, func(uint64) Mode { return Scheduled{} })
}

func (r *Runner) start(budget time.Duration, mode func(runID uint64) Mode) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed || r.cancel != nil {
		return false
	}

	ctx, cancel := context.WithCancel(context.Background())
	if budget > 0 {
		var cancelTimeout context.CancelFunc
		ctx, cancelTimeout = context.WithTimeout(ctx, budget)
		parent := cancel
		cancel = func() { cancelTimeout(); parent() }
	}

	r.runID++
	id := r.runID
	r.cancel = cancel
	done := make(chan struct{})
	r.done = done
	r.setStatusLocked(Progress{})

	go r.run(ctx, id, mode(id), done)
	return true
}

func (r *Runner) run(ctx context.Context, id uint64, mode Mode, done chan struct{}) {
	defer close(done)

	err := r.job.Run(ctx, mode)

	r.mu.Lock()
	defer r.mu.Unlock()

	r.cancel()
	r.cancel = nil
	r.debouncer.Cancel()

	r.broadcastLocked(Completion{Err: err})
	r.setStatusLocked(Idle{})
	r.logger.Debug("run finished", "run", id, "error", err)
}

// publishProgress is the debouncer's flush. Snapshots of a run that has
// already completed are dropped.
func (r *Runner) publishProgress(t taggedSnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel == nil || t.runID != r.runID {
		return
	}
	r.setStatusLocked(Progress{Snapshot: t.snapshot})
}

// CancelIfRunning requests cancellation of the current run, if any.
func (r *Runner) CancelIfRunning() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		r.cancel()
	}
}

// Running reports whether a run is in progress.
func (r *Runner) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancel != nil
}

// Status returns the most recent published status.
func (r *Runner) Status() Update {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

func (r *Runner) setStatusLocked(u Update) {
	r.status = u
	r.broadcastLocked(u)
}

func (r *Runner) broadcastLocked(u Update) {
	for o := range r.observers {
		o.enqueue(u)
	}
}

// Updates subscribes to status changes. The channel first carries the
// current status, then every later change in order. Idle and Completion are
// always delivered; when a reader falls far behind, consecutive pending
// Progress snapshots collapse into the latest one. It is closed when ctx is
// done or the runner shuts down.
func (r *Runner) Updates(ctx context.Context) <-chan Update {
	o := newObserver()

	r.mu.Lock()
	o.enqueue(r.status)
	if r.closed {
		o.close()
	} else {
		r.observers[o] = struct{}{}
	}
	r.mu.Unlock()

	go func() {
		o.pump(ctx)
		r.mu.Lock()
		delete(r.observers, o)
		r.mu.Unlock()
	}()
	return o.out
}

// Shutdown cancels any running job, waits for it to finish or ctx to end,
// and closes every subscription.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrShutdown
	}
	r.closed = true
	if r.cancel != nil {
		r.cancel()
	}
	done := r.done
	r.mu.Unlock()

	var err error
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			err = ctx.Err()
		}
	}

	r.mu.Lock()
	for o := range r.observers {
		o.close()
	}
	r.mu.Unlock()
	return err
}

// observer buffers updates for one subscriber so a slow reader never blocks
// the runner and never misses an update.
type observer struct {
	mu     sync.Mutex
	queue  []Update
	closed bool
	wake   chan struct{}
	out    chan Update
}

func newObserver() *observer {
	return &observer{
		wake: make(chan struct{}, 1),
		out:  make(chan Update),
	}
}

// maxPendingUpdates bounds an observer's queue. Past it, a Progress that
// follows another Progress replaces it instead of growing the queue.
const maxPendingUpdates = 64

func (o *observer) enqueue(u Update) {
	o.mu.Lock()
	if n := len(o.queue); n >= maxPendingUpdates {
		_, next := u.(Progress)
		_, last := o.queue[n-1].(Progress)
		if next && last {
			o.queue[n-1] = u
			o.mu.Unlock()
			o.signal()
			return
		}
	}
	o.queue = append(o.queue, u)
	o.mu.Unlock()
	o.signal()
}

// close ends the subscription once queued updates are delivered.
func (o *observer) close() {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	o.signal()
}

func (o *observer) signal() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

func (o *observer) pump(ctx context.Context) {
	defer close(o.out)
	for {
		o.mu.Lock()
		if len(o.queue) == 0 {
			closed := o.closed
			o.mu.Unlock()
			if closed {
				return
			}
			select {
			case <-o.wake:
				continue
			case <-ctx.Done():
				return
			}
		}
		u := o.queue[0]
		o.queue[0] = nil
		o.queue = o.queue[1:]
		o.mu.Unlock()

		select {
		case o.out <- u:
		case <-ctx.Done():
			return
		}
	}
}
