package backlog

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestWaitWhenIdle(t *testing.T) {
	tr := New()
	if err := tr.WaitForPendingWork(context.Background()); err != nil {
		t.Fatalf("wait on idle tracker: %v", err)
	}
}

func TestWaitForPendingWork(t *testing.T) {
	tr := New()
	done1 := tr.Begin()
	done2 := tr.Begin()
	if tr.Pending() != 2 {
		t.Fatalf("pending = %d, want 2", tr.Pending())
	}

	result := make(chan error, 1)
	go func() { result <- tr.WaitForPendingWork(context.Background()) }()

	done1()
	done1() // second call is a no-op
	select {
	case err := <-result:
		t.Fatalf("wait returned early: %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	done2()
	select {
	case err := <-result:
		if err != nil {
			t.Errorf("wait: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("wait did not return after work finished")
	}
	if tr.Pending() != 0 {
		t.Errorf("pending = %d, want 0", tr.Pending())
	}
}

func TestWaitHonorsContext(t *testing.T) {
	tr := New()
	tr.Begin()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := tr.WaitForPendingWork(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want context.DeadlineExceeded", err)
	}
}

func TestTrackerReusable(t *testing.T) {
	tr := New()
	tr.Begin()()
	done := tr.Begin()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := tr.WaitForPendingWork(ctx); err == nil {
		t.Error("wait returned nil with work outstanding")
	}
	done()
	if err := tr.WaitForPendingWork(context.Background()); err != nil {
		t.Errorf("wait after done: %v", err)
	}
}
