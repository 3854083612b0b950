package social

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nugget/tigerbee/internal/events"
)

// DefaultPollInterval spaces notification polls.
const DefaultPollInterval = 10 * time.Second

// FriendAPI is the part of the VRChat API the greeter uses.
type FriendAPI interface {
	Notifications(ctx context.Context) ([]Notification, error)
	AcceptFriendRequest(ctx context.Context, id string) error
	InviteToGroup(ctx context.Context, groupID, userID string) error
}

// Screener reports whether text must not be repeated aloud.
type Screener interface {
	IsFiltered(text string) bool
}

// Speaker voices a line.
type Speaker interface {
	Speak(ctx context.Context, text string)
}

// Display shows a line in the chat box.
type Display interface {
	Send(text string)
}

// GreeterConfig configures a Greeter.
type GreeterConfig struct {
	// GroupID, when set, receives an invite for every new friend.
	GroupID  string
	Interval time.Duration
}

// Greeter accepts friend requests and thanks the sender.
type Greeter struct {
	api      FriendAPI
	screen   Screener
	speaker  Speaker
	display  Display
	groupID  string
	interval time.Duration
	bus      *events.Bus
	logger   *slog.Logger
}

// NewGreeter creates a greeter. screen, speaker, and display may be nil.
func NewGreeter(api FriendAPI, screen Screener, speaker Speaker, display Display, bus *events.Bus, cfg GreeterConfig, logger *slog.Logger) *Greeter {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultPollInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Greeter{
		api:      api,
		screen:   screen,
		speaker:  speaker,
		display:  display,
		groupID:  cfg.GroupID,
		interval: cfg.Interval,
		bus:      bus,
		logger:   logger,
	}
}

// Run polls every interval, and immediately whenever wake fires, until
// ctx is cancelled. Poll errors are logged and the loop continues.
func (g *Greeter) Run(ctx context.Context, wake <-chan struct{}) {
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-wake:
		}
		if _, err := g.Poll(ctx); err != nil && ctx.Err() == nil {
			g.logger.Warn("notification poll failed", "error", err)
		}
	}
}

// Poll handles every pending friend request once and returns how many
// were accepted.
func (g *Greeter) Poll(ctx context.Context) (int, error) {
	notes, err := g.api.Notifications(ctx)
	if err != nil {
		return 0, err
	}

	accepted := 0
	for _, n := range notes {
		if n.Type != NotificationFriendRequest {
			continue
		}
		if err := g.api.AcceptFriendRequest(ctx, n.ID); err != nil {
			g.logger.Warn("accept friend request failed", "sender", n.SenderUsername, "error", err)
			continue
		}
		accepted++
		g.logger.Info("accepted friend request", "sender", n.SenderUsername)
		g.bus.Emit(events.SourceSocial, events.KindFriendAccepted, map[string]any{
			"sender": n.SenderUsername,
		})

		if g.screen == nil || !g.screen.IsFiltered(n.SenderUsername) {
			thanks := fmt.Sprintf("thanks for friending me, %s!", n.SenderUsername)
			if g.speaker != nil {
				g.speaker.Speak(ctx, thanks)
			}
			if g.display != nil {
				g.display.Send(thanks)
			}
		}

		if g.groupID != "" {
			if err := g.api.InviteToGroup(ctx, g.groupID, n.SenderUserID); err != nil {
				g.logger.Warn("group invite failed", "sender", n.SenderUsername, "error", err)
			}
		}
	}
	return accepted, nil
}
