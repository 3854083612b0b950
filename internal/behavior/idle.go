// Package behavior runs the avatar's idle loop: small randomized
// movements issued while nothing else is driving the avatar.
package behavior

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/nugget/tigerbee/internal/actuate"
	"github.com/nugget/tigerbee/internal/events"
	"github.com/nugget/tigerbee/internal/state"
)

// DefaultInterval is the idle polling cadence.
const DefaultInterval = 2600 * time.Millisecond

// Action names an idle outcome.
type Action string

// Idle outcomes. Four of the eight draws map to [ActionNone].
const (
	ActionNone        Action = "none"
	ActionJump        Action = "jump"
	ActionLookLeft    Action = "look_left"
	ActionLookRight   Action = "look_right"
	ActionMoveForward Action = "move_forward"
)

// Duration bounds for randomized idle actions.
const (
	lookMin = 100 * time.Millisecond
	lookMax = 750 * time.Millisecond
	moveMin = 1 * time.Second
	moveMax = 2 * time.Second
)

// Actuator issues timed pulses. *actuate.Gateway satisfies it.
type Actuator interface {
	Pulse(address string, d time.Duration)
}

// Config tunes an Idler. Zero values select defaults.
type Config struct {
	// Interval between eligibility checks (default 2.6s).
	Interval time.Duration
	// Rand is the outcome source. Defaults to a randomly seeded PCG.
	Rand *rand.Rand
}

// Idler is the idle behavior scheduler.
type Idler struct {
	state    *state.Agent
	act      Actuator
	bus      *events.Bus
	logger   *slog.Logger
	interval time.Duration
	rng      *rand.Rand
}

// New creates an Idler. It does nothing until [Idler.Run] is called.
func New(st *state.Agent, act Actuator, bus *events.Bus, cfg Config, logger *slog.Logger) *Idler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &Idler{
		state:    st,
		act:      act,
		bus:      bus,
		logger:   logger,
		interval: cfg.Interval,
		rng:      cfg.Rand,
	}
}

// Run polls on a fixed cadence until ctx is cancelled. An action that
// has started always runs to completion, even if the agent becomes
// busy meanwhile; the flags only gate the next tick.
func (i *Idler) Run(ctx context.Context) {
	i.logger.Info("idle scheduler started", "interval", i.interval.String())

	ticker := time.NewTicker(i.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			i.logger.Info("idle scheduler stopped")
			return
		case <-ticker.C:
			i.Tick()
		}
	}
}

// Tick performs one scheduling step. It returns the action taken and
// whether the agent was eligible at all.
func (i *Idler) Tick() (Action, bool) {
	if !i.state.Idle() {
		return ActionNone, false
	}

	action := i.perform(i.rng.IntN(8) + 1)
	if action != ActionNone {
		i.logger.Debug("idle action", "action", action)
		i.bus.Emit(events.SourceIdle, events.KindIdleAction, map[string]any{"action": string(action)})
	}
	return action, true
}

// perform maps a draw in 1..8 to an actuation.
func (i *Idler) perform(outcome int) Action {
	switch outcome {
	case 1:
		i.act.Pulse(actuate.InputJump, 0)
		return ActionJump
	case 2:
		i.act.Pulse(actuate.InputLookRight, i.uniform(lookMin, lookMax))
		return ActionLookRight
	case 4:
		i.act.Pulse(actuate.InputLookLeft, i.uniform(lookMin, lookMax))
		return ActionLookLeft
	case 6:
		i.act.Pulse(actuate.InputMoveForward, i.uniform(moveMin, moveMax))
		return ActionMoveForward
	case 3, 5, 7, 8:
		// No-op draws keep the avatar still roughly half the time.
		return ActionNone
	default:
		return ActionNone
	}
}

func (i *Idler) uniform(lo, hi time.Duration) time.Duration {
	return lo + time.Duration(i.rng.Float64()*float64(hi-lo))
}
