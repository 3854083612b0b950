// Package dispatch turns conversation text into avatar actuation:
// keyword-triggered movement bursts, movement/model control phrases,
// and a single best-match emote per response.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nugget/tigerbee/internal/actuate"
	"github.com/nugget/tigerbee/internal/events"
	"github.com/nugget/tigerbee/internal/state"
)

// DefaultWorkers bounds the number of concurrent pulses per burst.
const DefaultWorkers = 4

// Actuator drives the avatar. *actuate.Gateway satisfies it.
type Actuator interface {
	Pulse(address string, d time.Duration)
	Discrete(address string, value int)
}

// ModelSwitcher performs backend model failover and session resets on
// request. *conversation.Manager satisfies it.
type ModelSwitcher interface {
	Failover(ctx context.Context) error
	ResetSession(ctx context.Context) error
}

var errNoSwitcher = errors.New("no model switcher configured")

// DurationSpec is a fixed hold (Min == Max) or a uniform range.
type DurationSpec struct {
	Min time.Duration
	Max time.Duration
}

// Fixed returns a DurationSpec that always yields d.
func Fixed(d time.Duration) DurationSpec { return DurationSpec{Min: d, Max: d} }

// Uniform returns a DurationSpec drawing uniformly from [lo, hi].
func Uniform(lo, hi time.Duration) DurationSpec { return DurationSpec{Min: lo, Max: hi} }

func (s DurationSpec) draw(r *rand.Rand) time.Duration {
	if s.Max <= s.Min {
		return s.Min
	}
	return s.Min + time.Duration(r.Float64()*float64(s.Max-s.Min))
}

// Command is one row of the movement table.
type Command struct {
	Name     string
	Address  string
	Duration DurationSpec
	// Match reports whether the lowercased combined text triggers the
	// command.
	Match func(text string) bool
}

// contains returns a Match func for a plain substring.
func contains(word string) func(string) bool {
	return func(text string) bool { return strings.Contains(text, word) }
}

// DefaultCommands returns the movement table in evaluation order.
// "right" is suppressed whenever "alright" appears, which is by far its
// most common accidental trigger.
func DefaultCommands() []Command {
	return []Command{
		{Name: "forward", Address: actuate.InputMoveForward, Duration: Uniform(time.Second, 2*time.Second), Match: contains("forward")},
		{Name: "backward", Address: actuate.InputMoveBackward, Duration: Fixed(2 * time.Second), Match: contains("backward")},
		{Name: "left", Address: actuate.InputLookLeft, Duration: Fixed(450 * time.Millisecond), Match: contains("left")},
		{Name: "right", Address: actuate.InputLookRight, Duration: Fixed(450 * time.Millisecond), Match: func(text string) bool {
			return strings.Contains(text, "right") && !strings.Contains(text, "alright")
		}},
	}
}

// CommandsConfig tunes a Commands dispatcher. Zero values select
// defaults.
type CommandsConfig struct {
	Table   []Command
	Workers int
	Rand    *rand.Rand
}

// Commands is the command dispatcher.
type Commands struct {
	state    *state.Agent
	act      Actuator
	switcher ModelSwitcher
	bus      *events.Bus
	logger   *slog.Logger
	table    []Command
	workers  int
	rng      *rand.Rand
}

// NewCommands creates a command dispatcher. switcher may be nil, in
// which case model-switch phrases are ignored.
func NewCommands(st *state.Agent, act Actuator, switcher ModelSwitcher, bus *events.Bus, cfg CommandsConfig, logger *slog.Logger) *Commands {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Table == nil {
		cfg.Table = DefaultCommands()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &Commands{
		state:    st,
		act:      act,
		switcher: switcher,
		bus:      bus,
		logger:   logger,
		table:    cfg.Table,
		workers:  cfg.Workers,
		rng:      cfg.Rand,
	}
}

// Dispatch runs every command matched by combined (utterance plus
// response) in parallel and waits for all of them, then applies any
// control phrase found in the raw utterance. The agent is marked busy
// for the whole call. It returns the names of the commands fired.
//
// Dispatch is not safe for concurrent use; the control loop calls it
// once per turn.
func (c *Commands) Dispatch(ctx context.Context, combined, utterance string) []string {
	release := c.state.Act()
	defer release()

	fired := c.burst(strings.ToLower(combined))
	if len(fired) > 0 {
		c.bus.Emit(events.SourceDispatch, events.KindCommands, map[string]any{"commands": fired})
	}

	c.control(ctx, strings.ToLower(utterance))
	return fired
}

// burst launches matched pulses on a bounded pool and joins them.
func (c *Commands) burst(text string) []string {
	var fired []string
	var g errgroup.Group
	g.SetLimit(c.workers)

	for _, cmd := range c.table {
		if !cmd.Match(text) {
			continue
		}
		fired = append(fired, cmd.Name)

		address, d, name := cmd.Address, cmd.Duration.draw(c.rng), cmd.Name
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("command %s: panic: %v", name, r)
				}
			}()
			c.act.Pulse(address, d)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		c.logger.Warn("actuation task failed", "error", err)
	}
	if len(fired) > 0 {
		c.logger.Debug("commands dispatched", "commands", fired)
	}
	return fired
}

// Control actions, shared by spoken phrases and remote commands.
const (
	ControlPauseMovement  = "pause_movement"
	ControlResumeMovement = "resume_movement"
	ControlSwitchModel    = "switch_model"
	ControlResetSession   = "reset_session"
)

// controlFor maps an utterance to a control action, or "". "unpause"
// is tested first because it contains "pause".
func controlFor(utterance string) string {
	switch {
	case strings.Contains(utterance, "unpause") && strings.Contains(utterance, "move"):
		return ControlResumeMovement
	case strings.Contains(utterance, "pause") && strings.Contains(utterance, "move"):
		return ControlPauseMovement
	case strings.Contains(utterance, "switch") && strings.Contains(utterance, "model"):
		return ControlSwitchModel
	}
	return ""
}

// control applies the movement pause and model-switch phrases.
func (c *Commands) control(ctx context.Context, utterance string) {
	name := controlFor(utterance)
	if name == "" {
		return
	}
	if err := c.Apply(ctx, name); err != nil {
		c.logger.Warn("requested control failed", "control", name, "error", err)
	}
}

// Apply performs a named control action.
func (c *Commands) Apply(ctx context.Context, name string) error {
	switch name {
	case ControlPauseMovement:
		c.setPaused(true)
	case ControlResumeMovement:
		c.setPaused(false)
	case ControlSwitchModel:
		if c.switcher == nil {
			return errNoSwitcher
		}
		return c.switcher.Failover(ctx)
	case ControlResetSession:
		if c.switcher == nil {
			return errNoSwitcher
		}
		return c.switcher.ResetSession(ctx)
	default:
		return fmt.Errorf("unknown control %q", name)
	}
	return nil
}

func (c *Commands) setPaused(paused bool) {
	if was := c.state.SetMovementPaused(paused); was == paused {
		return
	}
	c.logger.Info("idle movement toggled", "paused", paused)
	c.bus.Emit(events.SourceDispatch, events.KindMovementPaused, map[string]any{"paused": paused})
}
