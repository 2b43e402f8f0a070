// Package backlog tracks in-flight ingestion work so an export can wait for
// it to settle before snapshotting the database.
package backlog

import (
	"context"
	"sync"
)

// Tracker counts outstanding units of work.
type Tracker struct {
	mu      sync.Mutex
	pending int
	idle    chan struct{}
}

func New() *Tracker {
	idle := make(chan struct{})
	close(idle)
	return &Tracker{idle: idle}
}

// Begin registers one unit of work. The returned func marks it done and is
// safe to call more than once.
func (t *Tracker) Begin() (done func()) {
	t.mu.Lock()
	if t.pending == 0 {
		t.idle = make(chan struct{})
	}
	t.pending++
	t.mu.Unlock()

	var once sync.Once
	return func() { once.Do(t.done) }
}

func (t *Tracker) done() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending--
	if t.pending == 0 {
		close(t.idle)
	}
}

// Pending returns the number of outstanding units.
func (t *Tracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pending
}

// WaitForPendingWork blocks until no work is outstanding or ctx is done.
func (t *Tracker) WaitForPendingWork(ctx context.Context) error {
	t.mu.Lock()
	idle := t.idle
	t.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
