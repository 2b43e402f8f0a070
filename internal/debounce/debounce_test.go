package debounce

import (
	"testing"
	"time"

	"github.com/juju/clock/testclock"
)

const window = 200 * time.Millisecond

func newTestDebouncer(t *testing.T) (*Debouncer[int], *testclock.Clock, chan int) {
	t.Helper()
	clk := testclock.NewClock(time.Now())
	out := make(chan int, 16)
	d := New(clk, window, func(v int) { out <- v })
	return d, clk, out
}

func expectValue(t *testing.T, out chan int, want int) {
	t.Helper()
	select {
	case got := <-out:
		if got != want {
			t.Fatalf("delivered %d, want %d", got, want)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for %d", want)
	}
}

func expectNothing(t *testing.T, out chan int) {
	t.Helper()
	select {
	case got := <-out:
		t.Fatalf("unexpected delivery %d", got)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestFirstDeliveredImmediately(t *testing.T) {
	d, _, out := newTestDebouncer(t)
	d.Push(1)
	expectValue(t, out, 1)
}

func TestFirstAndLastOfBurst(t *testing.T) {
	d, clk, out := newTestDebouncer(t)

	for i := 1; i <= 10; i++ {
		d.Push(i)
	}
	expectValue(t, out, 1)
	expectNothing(t, out)

	if err := clk.WaitAdvance(window, time.Second, 1); err != nil {
		t.Fatal(err)
	}
	expectValue(t, out, 10)

	// The window restarted after the trailing delivery; with nothing
	// pending it closes quietly.
	if err := clk.WaitAdvance(window, time.Second, 1); err != nil {
		t.Fatal(err)
	}
	expectNothing(t, out)

	d.Push(11)
	expectValue(t, out, 11)
}

func TestContinuousBurstIsRateLimited(t *testing.T) {
	d, clk, out := newTestDebouncer(t)

	d.Push(1)
	expectValue(t, out, 1)
	d.Push(2)
	if err := clk.WaitAdvance(window, time.Second, 1); err != nil {
		t.Fatal(err)
	}
	expectValue(t, out, 2)

	d.Push(3)
	d.Push(4)
	expectNothing(t, out)
	if err := clk.WaitAdvance(window, time.Second, 1); err != nil {
		t.Fatal(err)
	}
	expectValue(t, out, 4)
}

func TestCancelDropsPending(t *testing.T) {
	d, clk, out := newTestDebouncer(t)

	d.Push(1)
	d.Push(2)
	expectValue(t, out, 1)

	d.Cancel()
	clk.Advance(window)
	expectNothing(t, out)

	d.Push(3)
	expectValue(t, out, 3)
}
