// Package progress aggregates progress across an ordered list of stages.
//
// A Tracker owns one fraction per stage. Each stage reports through its own
// Sink, obtained with Child, and every change produces an immutable Snapshot
// that is handed to the tracker's update callback. How stage fractions are
// blended into a single number is left to the caller.
package progress

import "sync"

// Snapshot is an immutable view of a tracker at one point in time.
type Snapshot[S comparable] struct {
	order     []S
	fractions map[S]float64
}

// Stages returns the stages that have started, in declared order.
func (s Snapshot[S]) Stages() []S {
	var out []S
	for _, st := range s.order {
		if _, ok := s.fractions[st]; ok {
			out = append(out, st)
		}
	}
	return out
}

// Current returns the last started stage in declared order.
func (s Snapshot[S]) Current() (S, bool) {
	for i := len(s.order) - 1; i >= 0; i-- {
		if _, ok := s.fractions[s.order[i]]; ok {
			return s.order[i], true
		}
	}
	var zero S
	return zero, false
}

// Fraction returns the completion fraction of a stage. The second result is
// false if the stage has not started.
func (s Snapshot[S]) Fraction(stage S) (float64, bool) {
	f, ok := s.fractions[stage]
	return f, ok
}

// IsZero reports whether no stage has started.
func (s Snapshot[S]) IsZero() bool {
	return len(s.fractions) == 0
}

// Tracker aggregates per-stage progress and publishes snapshots.
type Tracker[S comparable] struct {
	// emitMu orders callbacks; mu guards the fractions.
	emitMu sync.Mutex
	mu     sync.Mutex

	order     []S
	fractions map[S]float64
	onUpdate  func(Snapshot[S])
}

// New creates a tracker over the given stage order. onUpdate may be nil; it
// must not call back into the tracker or its sinks.
func New[S comparable](order []S, onUpdate func(Snapshot[S])) *Tracker[S] {
	o := make([]S, len(order))
	copy(o, order)
	return &Tracker[S]{
		order:     o,
		fractions: make(map[S]float64),
		onUpdate:  onUpdate,
	}
}

// Snapshot returns the current state.
func (t *Tracker[S]) Snapshot() Snapshot[S] {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

func (t *Tracker[S]) snapshotLocked() Snapshot[S] {
	f := make(map[S]float64, len(t.fractions))
	for k, v := range t.fractions {
		f[k] = v
	}
	return Snapshot[S]{order: t.order, fractions: f}
}

// Child returns a sink that reports progress for a single stage. Several
// children of the same stage all feed that stage's fraction.
func (t *Tracker[S]) Child(stage S) *Sink {
	return &Sink{
		set: func(frac float64) { t.set(stage, frac) },
	}
}

func (t *Tracker[S]) set(stage S, frac float64) {
	if frac < 0 {
		frac = 0
	}
	if frac > 1 {
		frac = 1
	}

	t.emitMu.Lock()
	defer t.emitMu.Unlock()

	t.mu.Lock()
	// Fractions never go backwards within a stage.
	if cur, ok := t.fractions[stage]; ok && cur >= frac {
		t.mu.Unlock()
		return
	}
	t.fractions[stage] = frac
	snap := t.snapshotLocked()
	t.mu.Unlock()

	if t.onUpdate != nil {
		t.onUpdate(snap)
	}
}

// Sink is a write-only progress handle for one stage.
type Sink struct {
	mu        sync.Mutex
	total     int64
	completed int64
	set       func(frac float64)
}

// AddUnits adds n units of expected work.
func (s *Sink) AddUnits(n int64) {
	if s == nil || n < 0 {
		return
	}
	s.mu.Lock()
	s.total += n
	frac := s.fractionLocked()
	s.mu.Unlock()
	s.publish(frac)
}

// CompleteUnits marks n units of work as done.
func (s *Sink) CompleteUnits(n int64) {
	if s == nil || n <= 0 {
		return
	}
	s.mu.Lock()
	s.completed += n
	if s.completed > s.total {
		s.completed = s.total
	}
	frac := s.fractionLocked()
	s.mu.Unlock()
	s.publish(frac)
}

// Finish completes all outstanding units. A sink with no units is treated
// as a single opaque unit.
func (s *Sink) Finish() {
	if s == nil {
		return
	}
	s.mu.Lock()
	if s.total == 0 {
		s.total = 1
	}
	s.completed = s.total
	s.mu.Unlock()
	s.publish(1)
}

func (s *Sink) fractionLocked() float64 {
	if s.total == 0 {
		return 0
	}
	return float64(s.completed) / float64(s.total)
}

func (s *Sink) publish(frac float64) {
	if s.set != nil {
		s.set(frac)
	}
}
