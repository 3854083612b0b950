package dispatch

import (
	"log/slog"
	"strings"
	"time"

	"github.com/nugget/tigerbee/internal/actuate"
	"github.com/nugget/tigerbee/internal/events"
	"github.com/nugget/tigerbee/internal/state"
)

// DefaultEmoteHold is how long an emote stays set before the avatar
// returns to neutral.
const DefaultEmoteHold = 2 * time.Second

// emoteNeutral resets the emote parameter.
const emoteNeutral = 0

// EmoteRule maps any of Keywords to an emote id.
type EmoteRule struct {
	Keywords []string
	ID       int
}

// DefaultEmotes returns the emote rules in evaluation order.
func DefaultEmotes() []EmoteRule {
	return []EmoteRule{
		{Keywords: []string{"wave", "hi ", "hello"}, ID: 1},
		{Keywords: []string{"point", "look", "!"}, ID: 3},
		{Keywords: []string{"clap", "congrat"}, ID: 2},
		{Keywords: []string{"cheer"}, ID: 4},
		{Keywords: []string{"dance"}, ID: 5},
		{Keywords: []string{"backflip", "flip"}, ID: 6},
		{Keywords: []string{"kick"}, ID: 7},
		{Keywords: []string{"die", "dead"}, ID: 8},
	}
}

// EmotesConfig tunes an Emotes dispatcher. Zero values select defaults.
type EmotesConfig struct {
	Rules []EmoteRule
	Hold  time.Duration
}

// Emotes is the emote dispatcher.
type Emotes struct {
	state  *state.Agent
	act    Actuator
	bus    *events.Bus
	logger *slog.Logger
	rules  []EmoteRule
	hold   time.Duration
	wait   func(time.Duration)
}

// NewEmotes creates an emote dispatcher.
func NewEmotes(st *state.Agent, act Actuator, bus *events.Bus, cfg EmotesConfig, logger *slog.Logger) *Emotes {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Rules == nil {
		cfg.Rules = DefaultEmotes()
	}
	if cfg.Hold <= 0 {
		cfg.Hold = DefaultEmoteHold
	}
	return &Emotes{
		state:  st,
		act:    act,
		bus:    bus,
		logger: logger,
		rules:  cfg.Rules,
		hold:   cfg.Hold,
		wait:   sleep,
	}
}

// Dispatch fires the first rule whose keywords appear in response and
// returns its id, or 0 if nothing matched. The agent is marked busy for
// exactly the duration of the call.
func (e *Emotes) Dispatch(response string) int {
	release := e.state.Act()
	defer release()

	id := Match(e.rules, response)
	if id == 0 {
		return 0
	}

	e.act.Discrete(actuate.AvatarEmote, id)
	e.wait(e.hold)
	e.act.Discrete(actuate.AvatarEmote, emoteNeutral)

	e.logger.Debug("emote fired", "emote_id", id)
	e.bus.Emit(events.SourceDispatch, events.KindEmote, map[string]any{"emote_id": id})
	return id
}

// Match returns the id of the first rule in rules with a keyword
// contained in text (case-insensitive), or 0.
func Match(rules []EmoteRule, text string) int {
	lower := strings.ToLower(text)
	for _, r := range rules {
		for _, k := range r.Keywords {
			if strings.Contains(lower, k) {
				return r.ID
			}
		}
	}
	return 0
}

func sleep(d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	<-t.C
}
