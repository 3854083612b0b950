// Package events is an in-process broadcast bus for agent activity:
// conversation turns, actuation bursts, emotes, idle actions, session
// resets, and model failovers. Components publish; the MQTT publisher
// and any debug consumers subscribe. Calling Publish or Emit on a nil
// *Bus is a no-op, so components need no guard checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	SourceLoop         = "loop"
	SourceConversation = "conversation"
	SourceDispatch     = "dispatch"
	SourceIdle         = "idle"
	SourceSocial       = "social"
	SourceHealth       = "health"
)

// Kind constants describe the type of event within a source.
const (
	// KindTurnComplete: a response was spoken and dispatched.
	// Data: model_index, prompt_len, response_len.
	KindTurnComplete = "turn_complete"
	// KindTurnDropped: a turn ended early. Data: reason.
	KindTurnDropped = "turn_dropped"

	// KindSessionReset: a new session replaced the active one.
	// Data: model_index, session_id, reason.
	KindSessionReset = "session_reset"
	// KindBackendFailure: the backend failed a request.
	// Data: model_index, consecutive_failures, error.
	KindBackendFailure = "backend_failure"
	// KindFailover: the model index advanced. Data: from, to.
	KindFailover = "failover"

	// KindCommands: a command burst ran. Data: commands.
	KindCommands = "commands"
	// KindMovementPaused: the pause flag changed. Data: paused.
	KindMovementPaused = "movement_paused"
	// KindEmote: an emote fired. Data: emote_id.
	KindEmote = "emote"

	// KindIdleAction: the idle scheduler issued an action. Data: action.
	KindIdleAction = "idle_action"

	// KindFriendAccepted: a friend request was accepted. Data: sender.
	KindFriendAccepted = "friend_accepted"

	// KindServiceUp and KindServiceDown report backend reachability.
	// Data: service, error (down only).
	KindServiceUp   = "service_up"
	KindServiceDown = "service_down"
)

// Event is a single activity record.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	Source    string         `json:"source"`
	Kind      string         `json:"kind"`
	Data      map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast bus. Slow subscribers miss events
// rather than blocking publishers; the idle scheduler and dispatchers
// must never wait on a consumer.
type Bus struct {
	mu         sync.RWMutex
	subs       map[chan Event]struct{}
	recvToSend map[<-chan Event]chan Event
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish delivers e to every subscriber with buffer space.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Emit stamps and publishes an event built from its parts.
func (b *Bus) Emit(source, kind string, data map[string]any) {
	if b == nil {
		return
	}
	b.Publish(Event{Timestamp: time.Now(), Source: source, Kind: kind, Data: data})
}

// Subscribe returns a channel receiving published events. Callers must
// Unsubscribe when done.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes and closes a subscription. Unknown channels are
// ignored.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}
