package backup

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/juju/clock/testclock"

	"github.com/dukerupert/strongbox/internal/progress"
)

// stubJob blocks until released or cancelled. If burst is set, a manual run
// reports that many export progress steps before blocking.
type stubJob struct {
	runs    atomic.Int32
	burst   int
	err     error
	started chan Mode
	release chan struct{}
}

func newStubJob() *stubJob {
	return &stubJob{
		started: make(chan Mode, 4),
		release: make(chan struct{}),
	}
}

func (j *stubJob) Run(ctx context.Context, mode Mode) error {
	j.runs.Add(1)
	if m, ok := mode.(Manual); ok && j.burst > 0 && m.OnProgress != nil {
		tr := progress.New(Stages, m.OnProgress)
		sink := tr.Child(StageBackupFileExport)
		sink.AddUnits(int64(j.burst))
		for i := 0; i < j.burst; i++ {
			sink.CompleteUnits(1)
		}
	}
	j.started <- mode
	select {
	case <-j.release:
		return j.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func waitStarted(t *testing.T, j *stubJob) Mode {
	t.Helper()
	select {
	case m := <-j.started:
		return m
	case <-time.After(time.Second):
		t.Fatal("job did not start")
		return nil
	}
}

func nextUpdate(t *testing.T, ch <-chan Update) Update {
	t.Helper()
	select {
	case u, ok := <-ch:
		if !ok {
			t.Fatal("update channel closed")
		}
		return u
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for update")
		return nil
	}
}

func expectNoUpdate(t *testing.T, ch <-chan Update) {
	t.Helper()
	select {
	case u := <-ch:
		t.Fatalf("unexpected update %#v", u)
	case <-time.After(50 * time.Millisecond):
	}
}

func expectIdle(t *testing.T, ch <-chan Update) {
	t.Helper()
	if u := nextUpdate(t, ch); u != (Idle{}) {
		t.Fatalf("update = %#v, want Idle", u)
	}
}

func expectProgress(t *testing.T, ch <-chan Update) progress.Snapshot[Stage] {
	t.Helper()
	u := nextUpdate(t, ch)
	p, ok := u.(Progress)
	if !ok {
		t.Fatalf("update = %#v, want Progress", u)
	}
	return p.Snapshot
}

func expectCompletion(t *testing.T, ch <-chan Update) error {
	t.Helper()
	u := nextUpdate(t, ch)
	c, ok := u.(Completion)
	if !ok {
		t.Fatalf("update = %#v, want Completion", u)
	}
	return c.Err
}

func exportFraction(s progress.Snapshot[Stage]) float64 {
	f, _ := s.Fraction(StageBackupFileExport)
	return f
}

func newTestRunner(t *testing.T, job JobRunner) (*Runner, *testclock.Clock) {
	t.Helper()
	clk := testclock.NewClock(time.Now())
	r := NewRunner(job, clk, testLogger())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		r.Shutdown(ctx)
	})
	return r, clk
}

func TestRunnerSingleFlight(t *testing.T) {
	job := newStubJob()
	r, _ := newTestRunner(t, job)

	if !r.StartIfNecessary() {
		t.Fatal("first start refused")
	}
	waitStarted(t, job)
	if r.StartIfNecessary() {
		t.Error("second manual start accepted while running")
	}
	if r.StartScheduledIfNecessary(time.Minute) {
		t.Error("scheduled start accepted while running")
	}
	if !r.Running() {
		t.Error("Running() = false during a run")
	}

	ch := r.Updates(context.Background())
	if s := expectProgress(t, ch); !s.IsZero() {
		t.Errorf("initial status = %v, want empty progress", s)
	}

	close(job.release)
	if err := expectCompletion(t, ch); err != nil {
		t.Errorf("completion err = %v, want nil", err)
	}
	expectIdle(t, ch)

	if n := job.runs.Load(); n != 1 {
		t.Errorf("runs = %d, want 1", n)
	}
}

func TestRunnerIdleAfterCompletion(t *testing.T) {
	job := newStubJob()
	job.err = errors.New("upload failed")
	r, _ := newTestRunner(t, job)

	ch := r.Updates(context.Background())
	expectIdle(t, ch)

	r.StartIfNecessary()
	waitStarted(t, job)
	expectProgress(t, ch)
	close(job.release)
	if err := expectCompletion(t, ch); !errors.Is(err, job.err) {
		t.Errorf("completion err = %v, want %v", err, job.err)
	}
	expectIdle(t, ch)

	// A later subscriber sees only the idle state.
	late := r.Updates(context.Background())
	expectIdle(t, late)
	expectNoUpdate(t, late)

	if r.Running() {
		t.Error("Running() = true after completion")
	}
}

func TestRunnerRestartAfterCompletion(t *testing.T) {
	job := newStubJob()
	r, _ := newTestRunner(t, job)

	close(job.release)
	ch := r.Updates(context.Background())
	expectIdle(t, ch)
	for i := 0; i < 2; i++ {
		if !r.StartIfNecessary() {
			t.Fatalf("start %d refused", i)
		}
		expectProgress(t, ch)
		expectCompletion(t, ch)
		expectIdle(t, ch)
	}
	if n := job.runs.Load(); n != 2 {
		t.Errorf("runs = %d, want 2", n)
	}
}

func TestRunnerCancelIfRunning(t *testing.T) {
	job := newStubJob()
	r, _ := newTestRunner(t, job)

	// No-op while idle.
	r.CancelIfRunning()

	ch := r.Updates(context.Background())
	expectIdle(t, ch)
	r.StartIfNecessary()
	waitStarted(t, job)
	expectProgress(t, ch)

	r.CancelIfRunning()
	if err := expectCompletion(t, ch); !errors.Is(err, context.Canceled) {
		t.Errorf("completion err = %v, want context.Canceled", err)
	}
	expectIdle(t, ch)
}

func TestRunnerScheduledBudget(t *testing.T) {
	job := newStubJob()
	r, _ := newTestRunner(t, job)

	ch := r.Updates(context.Background())
	expectIdle(t, ch)
	if !r.StartScheduledIfNecessary(10 * time.Millisecond) {
		t.Fatal("scheduled start refused")
	}
	if m := waitStarted(t, job); m != (Scheduled{}) {
		t.Errorf("mode = %v, want scheduled", m)
	}
	expectProgress(t, ch)
	if err := expectCompletion(t, ch); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("completion err = %v, want context.DeadlineExceeded", err)
	}
	expectIdle(t, ch)
}

func TestRunnerDebouncesProgress(t *testing.T) {
	job := newStubJob()
	job.burst = 10
	r, clk := newTestRunner(t, job)

	ch := r.Updates(context.Background())
	expectIdle(t, ch)
	r.StartIfNecessary()
	waitStarted(t, job)

	if s := expectProgress(t, ch); !s.IsZero() {
		t.Errorf("start status = %v, want empty progress", s)
	}
	// The first snapshot of the burst goes out at once.
	if f := exportFraction(expectProgress(t, ch)); f != 0 {
		t.Errorf("first fraction = %v, want 0", f)
	}
	expectNoUpdate(t, ch)

	// The last one goes out when the window closes.
	if err := clk.WaitAdvance(DebounceWindow, time.Second, 1); err != nil {
		t.Fatal(err)
	}
	if f := exportFraction(expectProgress(t, ch)); f != 1 {
		t.Errorf("last fraction = %v, want 1", f)
	}
	expectNoUpdate(t, ch)

	close(job.release)
	expectCompletion(t, ch)
	expectIdle(t, ch)
}

func TestRunnerDropsProgressAfterCompletion(t *testing.T) {
	job := newStubJob()
	job.burst = 5
	r, clk := newTestRunner(t, job)

	ch := r.Updates(context.Background())
	expectIdle(t, ch)
	r.StartIfNecessary()
	waitStarted(t, job)
	expectProgress(t, ch)
	expectProgress(t, ch)

	// Finish while the rest of the burst is still pending.
	close(job.release)
	expectCompletion(t, ch)
	expectIdle(t, ch)

	clk.Advance(DebounceWindow)
	expectNoUpdate(t, ch)
	if _, ok := r.Status().(Idle); !ok {
		t.Errorf("status = %#v, want Idle", r.Status())
	}
}

func TestRunnerSlowObserverSeesEveryUpdate(t *testing.T) {
	job := newStubJob()
	r, _ := newTestRunner(t, job)

	ch := r.Updates(context.Background())
	close(job.release)
	r.StartIfNecessary()

	// Nothing has been read yet, so every update is buffered.
	waitStarted(t, job)
	deadline := time.Now().Add(time.Second)
	for r.Running() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	expectIdle(t, ch)
	expectProgress(t, ch)
	expectCompletion(t, ch)
	expectIdle(t, ch)
}

func TestObserverCoalescesBacklogProgress(t *testing.T) {
	o := newObserver()
	o.enqueue(Idle{})
	for i := 0; i < 3*maxPendingUpdates; i++ {
		o.enqueue(Progress{})
	}
	tr := progress.New(Stages, nil)
	tr.Child(Stages[0]).Finish()
	o.enqueue(Progress{Snapshot: tr.Snapshot()})
	o.enqueue(Completion{})
	o.enqueue(Idle{})

	o.mu.Lock()
	queue := slices.Clone(o.queue)
	o.mu.Unlock()

	if len(queue) != maxPendingUpdates+2 {
		t.Fatalf("queued = %d, want %d", len(queue), maxPendingUpdates+2)
	}
	if _, ok := queue[0].(Idle); !ok {
		t.Errorf("queue[0] = %#v, want Idle", queue[0])
	}
	last, ok := queue[len(queue)-3].(Progress)
	if !ok {
		t.Fatalf("queue[%d] = %#v, want Progress", len(queue)-3, queue[len(queue)-3])
	}
	if last.Snapshot.IsZero() {
		t.Error("backlog kept a stale progress snapshot, want the newest")
	}
	if _, ok := queue[len(queue)-2].(Completion); !ok {
		t.Errorf("queue[%d] = %#v, want Completion", len(queue)-2, queue[len(queue)-2])
	}
	if _, ok := queue[len(queue)-1].(Idle); !ok {
		t.Errorf("queue[%d] = %#v, want Idle", len(queue)-1, queue[len(queue)-1])
	}
}

func TestRunnerUnsubscribe(t *testing.T) {
	r, _ := newTestRunner(t, newStubJob())

	ctx, cancel := context.WithCancel(context.Background())
	ch := r.Updates(ctx)
	expectIdle(t, ch)
	cancel()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("received update after unsubscribe")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after unsubscribe")
	}

	deadline := time.Now().Add(time.Second)
	for {
		r.mu.Lock()
		n := len(r.observers)
		r.mu.Unlock()
		if n == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("observers = %d, want 0", n)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestRunnerShutdown(t *testing.T) {
	job := newStubJob()
	clk := testclock.NewClock(time.Now())
	r := NewRunner(job, clk, testLogger())

	ch := r.Updates(context.Background())
	expectIdle(t, ch)
	r.StartIfNecessary()
	waitStarted(t, job)
	expectProgress(t, ch)

	var wg sync.WaitGroup
	wg.Add(1)
	var shutdownErr error
	go func() {
		defer wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		shutdownErr = r.Shutdown(ctx)
	}()

	if err := expectCompletion(t, ch); !errors.Is(err, context.Canceled) {
		t.Errorf("completion err = %v, want context.Canceled", err)
	}
	expectIdle(t, ch)
	wg.Wait()
	if shutdownErr != nil {
		t.Errorf("Shutdown() = %v", shutdownErr)
	}

	select {
	case _, ok := <-ch:
		if ok {
			t.Error("update after shutdown")
		}
	case <-time.After(time.Second):
		t.Error("subscription not closed by shutdown")
	}

	if r.StartIfNecessary() {
		t.Error("start accepted after shutdown")
	}
	if err := r.Shutdown(context.Background()); !errors.Is(err, ErrShutdown) {
		t.Errorf("second Shutdown() = %v, want ErrShutdown", err)
	}
}
