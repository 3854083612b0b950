package state

import (
	"sync"
	"testing"
)

func TestActReleaseClearsFlag(t *testing.T) {
	a := New(0)

	release := a.Act()
	if !a.IsActing() {
		t.Fatal("IsActing() = false after Act()")
	}
	if a.Idle() {
		t.Error("Idle() = true while acting")
	}

	release()
	if a.IsActing() {
		t.Error("IsActing() = true after release")
	}

	// Second release must not panic or flip anything.
	release()
	if a.IsActing() {
		t.Error("IsActing() = true after double release")
	}
}

func TestActReleasedOnPanic(t *testing.T) {
	a := New(0)

	func() {
		defer func() { _ = recover() }()
		release := a.Act()
		defer release()
		panic("boom")
	}()

	if a.IsActing() {
		t.Error("IsActing() = true after panicking scope")
	}
}

func TestIdleRespectsMovementPause(t *testing.T) {
	a := New(0)
	if !a.Idle() {
		t.Fatal("fresh agent should be idle")
	}

	if was := a.SetMovementPaused(true); was {
		t.Error("SetMovementPaused(true) reported previous = true")
	}
	if a.Idle() {
		t.Error("Idle() = true while movement paused")
	}

	a.SetMovementPaused(false)
	if !a.Idle() {
		t.Error("Idle() = false after unpause")
	}
}

func TestAdvanceModel(t *testing.T) {
	tests := []struct {
		name      string
		start     int
		count     int
		wantIndex int
	}{
		{name: "next index", start: 0, count: 3, wantIndex: 1},
		{name: "wraps at end", start: 2, count: 3, wantIndex: 0},
		{name: "unbounded without count", start: 5, count: 0, wantIndex: 6},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := New(tt.start)
			a.RecordFailure()
			a.RecordFailure()

			from, to := a.AdvanceModel(tt.count)
			if from != tt.start {
				t.Errorf("from = %d, want %d", from, tt.start)
			}
			if to != tt.wantIndex || a.ModelIndex() != tt.wantIndex {
				t.Errorf("to = %d, ModelIndex() = %d, want %d", to, a.ModelIndex(), tt.wantIndex)
			}
			if got := a.ConsecutiveFailures(); got != 0 {
				t.Errorf("ConsecutiveFailures() = %d, want 0", got)
			}
		})
	}
}

func TestConcurrentAccess(t *testing.T) {
	a := New(0)
	var wg sync.WaitGroup

	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				release := a.Act()
				_ = a.Idle()
				a.RecordFailure()
				release()
			}
		}()
	}
	wg.Wait()

	if a.IsActing() {
		t.Error("IsActing() = true after all scopes released")
	}
	if got := a.ConsecutiveFailures(); got != 800 {
		t.Errorf("ConsecutiveFailures() = %d, want 800", got)
	}
}
