package behavior

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/nugget/tigerbee/internal/actuate"
	"github.com/nugget/tigerbee/internal/events"
	"github.com/nugget/tigerbee/internal/state"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type pulse struct {
	address string
	d       time.Duration
}

type fakeActuator struct {
	mu     sync.Mutex
	pulses []pulse
}

func (f *fakeActuator) Pulse(address string, d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pulses = append(f.pulses, pulse{address, d})
}

func (f *fakeActuator) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pulses)
}

func newTestIdler(st *state.Agent, act Actuator, interval time.Duration) *Idler {
	return New(st, act, events.New(), Config{
		Interval: interval,
		Rand:     rand.New(rand.NewPCG(7, 11)),
	}, slog.New(slog.DiscardHandler))
}

func TestTickSkipsWhileActingOrPaused(t *testing.T) {
	st := state.New(0)
	act := &fakeActuator{}
	idler := newTestIdler(st, act, time.Second)

	release := st.Act()
	for range 50 {
		if _, eligible := idler.Tick(); eligible {
			t.Fatal("Tick() eligible while acting")
		}
	}
	release()

	st.SetMovementPaused(true)
	for range 50 {
		if _, eligible := idler.Tick(); eligible {
			t.Fatal("Tick() eligible while movement paused")
		}
	}

	if n := act.count(); n != 0 {
		t.Errorf("issued %d pulses while ineligible, want 0", n)
	}
}

func TestPerformMapping(t *testing.T) {
	tests := []struct {
		outcome int
		want    Action
		address string
		min     time.Duration
		max     time.Duration
	}{
		{outcome: 1, want: ActionJump, address: actuate.InputJump, min: 0, max: 0},
		{outcome: 2, want: ActionLookRight, address: actuate.InputLookRight, min: lookMin, max: lookMax},
		{outcome: 4, want: ActionLookLeft, address: actuate.InputLookLeft, min: lookMin, max: lookMax},
		{outcome: 6, want: ActionMoveForward, address: actuate.InputMoveForward, min: moveMin, max: moveMax},
		{outcome: 3, want: ActionNone},
		{outcome: 5, want: ActionNone},
		{outcome: 7, want: ActionNone},
		{outcome: 8, want: ActionNone},
	}

	for _, tt := range tests {
		act := &fakeActuator{}
		idler := newTestIdler(state.New(0), act, time.Second)

		if got := idler.perform(tt.outcome); got != tt.want {
			t.Errorf("perform(%d) = %q, want %q", tt.outcome, got, tt.want)
		}

		if tt.want == ActionNone {
			if act.count() != 0 {
				t.Errorf("perform(%d) issued a pulse for a no-op draw", tt.outcome)
			}
			continue
		}

		if act.count() != 1 {
			t.Fatalf("perform(%d) issued %d pulses, want 1", tt.outcome, act.count())
		}
		p := act.pulses[0]
		if p.address != tt.address {
			t.Errorf("perform(%d) address = %q, want %q", tt.outcome, p.address, tt.address)
		}
		if p.d < tt.min || p.d > tt.max {
			t.Errorf("perform(%d) duration = %v, want within [%v, %v]", tt.outcome, p.d, tt.min, tt.max)
		}
	}
}

func TestTickCoversAllOutcomes(t *testing.T) {
	act := &fakeActuator{}
	idler := newTestIdler(state.New(0), act, time.Second)

	seen := make(map[Action]int)
	for range 400 {
		action, eligible := idler.Tick()
		if !eligible {
			t.Fatal("idle agent reported ineligible")
		}
		seen[action]++
	}

	for _, a := range []Action{ActionNone, ActionJump, ActionLookLeft, ActionLookRight, ActionMoveForward} {
		if seen[a] == 0 {
			t.Errorf("action %q never drawn in 400 ticks", a)
		}
	}
	// Half of the eight outcomes are no-ops.
	if seen[ActionNone] < 120 || seen[ActionNone] > 280 {
		t.Errorf("no-op count = %d, expected roughly half of 400", seen[ActionNone])
	}
}

func TestRunResumesAfterUnpause(t *testing.T) {
	st := state.New(0)
	st.SetMovementPaused(true)
	act := &fakeActuator{}
	idler := newTestIdler(st, act, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		idler.Run(ctx)
	}()

	time.Sleep(50 * time.Millisecond)
	if n := act.count(); n != 0 {
		t.Errorf("issued %d pulses while paused", n)
	}

	st.SetMovementPaused(false)

	deadline := time.Now().Add(2 * time.Second)
	for act.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	<-done

	if act.count() == 0 {
		t.Error("idle scheduler did not resume after unpause")
	}
}
