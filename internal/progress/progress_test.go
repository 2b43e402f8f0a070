package progress

import (
	"sync"
	"testing"
)

type stage string

const (
	stageA stage = "a"
	stageB stage = "b"
	stageC stage = "c"
)

var order = []stage{stageA, stageB, stageC}

func TestSnapshotAbsentUntilStarted(t *testing.T) {
	var got []Snapshot[stage]
	tr := New(order, func(s Snapshot[stage]) { got = append(got, s) })

	if !tr.Snapshot().IsZero() {
		t.Fatal("expected empty snapshot before any sink reports")
	}

	a := tr.Child(stageA)
	_ = tr.Child(stageB)
	a.AddUnits(4)

	snap := tr.Snapshot()
	if f, ok := snap.Fraction(stageA); !ok || f != 0 {
		t.Errorf("fraction(a) = %v, %v; want 0, true", f, ok)
	}
	if _, ok := snap.Fraction(stageB); ok {
		t.Error("stage b should be absent, not zero")
	}
	if cur, _ := snap.Current(); cur != stageA {
		t.Errorf("current = %q, want %q", cur, stageA)
	}

	a.CompleteUnits(1)
	if f, _ := tr.Snapshot().Fraction(stageA); f != 0.25 {
		t.Errorf("fraction(a) = %v, want 0.25", f)
	}
	if len(got) != 2 {
		t.Fatalf("received %d updates, want 2", len(got))
	}
}

func TestFractionNeverDecreases(t *testing.T) {
	tr := New(order, nil)
	a := tr.Child(stageA)

	a.AddUnits(1)
	a.CompleteUnits(1)
	// More work discovered later would lower the ratio; the stage must not go backwards.
	a.AddUnits(3)

	if f, _ := tr.Snapshot().Fraction(stageA); f != 1 {
		t.Errorf("fraction(a) = %v, want 1", f)
	}
}

func TestStagesInDeclaredOrder(t *testing.T) {
	tr := New(order, nil)

	tr.Child(stageC).Finish()
	tr.Child(stageA).Finish()

	stages := tr.Snapshot().Stages()
	if len(stages) != 2 || stages[0] != stageA || stages[1] != stageC {
		t.Errorf("stages = %v, want [a c]", stages)
	}
}

func TestTwoChildrenSameStage(t *testing.T) {
	tr := New(order, nil)
	first := tr.Child(stageB)
	second := tr.Child(stageB)

	first.AddUnits(2)
	first.CompleteUnits(1)
	second.AddUnits(1)
	second.CompleteUnits(1)

	if f, _ := tr.Snapshot().Fraction(stageB); f != 1 {
		t.Errorf("fraction(b) = %v, want 1", f)
	}
}

func TestFinishOpaqueUnit(t *testing.T) {
	tr := New(order, nil)
	s := tr.Child(stageC)
	s.AddUnits(1)
	if f, _ := tr.Snapshot().Fraction(stageC); f != 0 {
		t.Errorf("fraction(c) = %v, want 0", f)
	}
	s.Finish()
	if f, _ := tr.Snapshot().Fraction(stageC); f != 1 {
		t.Errorf("fraction(c) = %v, want 1", f)
	}
}

func TestNilSinkIsNoop(t *testing.T) {
	var s *Sink
	s.AddUnits(1)
	s.CompleteUnits(1)
	s.Finish()
}

func TestConcurrentUpdatesAreMonotonic(t *testing.T) {
	var mu sync.Mutex
	var seen []float64
	tr := New(order, func(s Snapshot[stage]) {
		f, _ := s.Fraction(stageA)
		mu.Lock()
		seen = append(seen, f)
		mu.Unlock()
	})

	sink := tr.Child(stageA)
	sink.AddUnits(100)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				sink.CompleteUnits(1)
			}
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	for i := 1; i < len(seen); i++ {
		if seen[i] < seen[i-1] {
			t.Fatalf("update %d went backwards: %v after %v", i, seen[i], seen[i-1])
		}
	}
	if last := seen[len(seen)-1]; last != 1 {
		t.Errorf("last fraction = %v, want 1", last)
	}
}
