// Package debounce coalesces bursts of values.
package debounce

import (
	"sync"
	"time"

	"github.com/juju/clock"
)

// Debouncer delivers the first value of a burst immediately and the most
// recent value once the window closes. Values pushed in between are
// replaced by later ones. Deliveries are serialized and never reordered.
type Debouncer[T any] struct {
	// deliverMu serializes calls to flush; mu guards the fields below.
	deliverMu sync.Mutex
	mu        sync.Mutex

	clock  clock.Clock
	window time.Duration
	flush  func(T)

	timer      clock.Timer
	pending    T
	hasPending bool
	generation uint64
}

// New returns a Debouncer that calls flush with coalesced values.
func New[T any](clk clock.Clock, window time.Duration, flush func(T)) *Debouncer[T] {
	return &Debouncer[T]{
		clock:  clk,
		window: window,
		flush:  flush,
	}
}

// Push offers a value. Outside a window it is delivered at once and a new
// window starts; inside a window it becomes the pending value.
func (d *Debouncer[T]) Push(v T) {
	d.deliverMu.Lock()
	defer d.deliverMu.Unlock()

	d.mu.Lock()
	if d.timer != nil {
		d.pending = v
		d.hasPending = true
		d.mu.Unlock()
		return
	}
	d.startWindowLocked()
	d.mu.Unlock()

	d.flush(v)
}

// Cancel drops any pending value and closes the current window. A timer
// that fires after Cancel delivers nothing.
func (d *Debouncer[T]) Cancel() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	var zero T
	d.pending = zero
	d.hasPending = false
	d.generation++
}

func (d *Debouncer[T]) startWindowLocked() {
	gen := d.generation
	d.timer = d.clock.AfterFunc(d.window, func() { d.fire(gen) })
}

func (d *Debouncer[T]) fire(gen uint64) {
	d.deliverMu.Lock()
	defer d.deliverMu.Unlock()

	d.mu.Lock()
	if gen != d.generation {
		d.mu.Unlock()
		return
	}
	if !d.hasPending {
		d.timer = nil
		d.generation++
		d.mu.Unlock()
		return
	}
	v := d.pending
	var zero T
	d.pending = zero
	d.hasPending = false
	// Keep rate limiting while the burst continues.
	d.generation++
	d.startWindowLocked()
	d.mu.Unlock()

	d.flush(v)
}
