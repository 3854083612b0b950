// Package state holds the small set of mutable flags shared between the
// idle behavior scheduler, the command and emote dispatchers, and the
// conversation manager. A single *Agent is created at startup and
// passed by reference to every component; there are no package-level
// globals.
package state

import "sync"

// Agent is the shared mutable record coordinating the avatar's
// background and foreground activity. All methods are safe for
// concurrent use.
type Agent struct {
	mu             sync.Mutex
	acting         bool
	movementPaused bool
	modelIndex     int
	failures       int
}

// New creates an Agent bound to the given starting model index.
func New(modelIndex int) *Agent {
	return &Agent{modelIndex: modelIndex}
}

// Snapshot is a point-in-time copy of the agent flags, suitable for
// logging and state publishing.
type Snapshot struct {
	Acting              bool `json:"acting"`
	MovementPaused      bool `json:"movement_paused"`
	ModelIndex          int  `json:"model_index"`
	ConsecutiveFailures int  `json:"consecutive_failures"`
}

// Snapshot returns a consistent copy of all flags.
func (a *Agent) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Snapshot{
		Acting:              a.acting,
		MovementPaused:      a.movementPaused,
		ModelIndex:          a.modelIndex,
		ConsecutiveFailures: a.failures,
	}
}

// Act marks the agent as busy and returns the release func that clears
// the flag. Callers must defer the release immediately so the flag is
// cleared on every exit path, including panics:
//
//	release := st.Act()
//	defer release()
//
// Calling the release func more than once is harmless.
func (a *Agent) Act() (release func()) {
	a.mu.Lock()
	a.acting = true
	a.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			a.mu.Lock()
			a.acting = false
			a.mu.Unlock()
		})
	}
}

// IsActing reports whether a dispatcher currently holds the agent.
func (a *Agent) IsActing() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.acting
}

// Idle reports whether idle behaviors may start: nothing is acting and
// movement has not been paused.
func (a *Agent) Idle() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return !a.acting && !a.movementPaused
}

// SetMovementPaused sets the movement pause flag and returns its
// previous value.
func (a *Agent) SetMovementPaused(paused bool) (was bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	was = a.movementPaused
	a.movementPaused = paused
	return was
}

// MovementPaused reports whether idle movement is paused.
func (a *Agent) MovementPaused() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.movementPaused
}

// ModelIndex returns the index of the active backend model.
func (a *Agent) ModelIndex() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.modelIndex
}

// ConsecutiveFailures returns the current backend failure run length.
func (a *Agent) ConsecutiveFailures() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.failures
}

// RecordFailure increments the consecutive failure counter and returns
// the new count.
func (a *Agent) RecordFailure() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failures++
	return a.failures
}

// ClearFailures zeroes the consecutive failure counter after a
// successful backend exchange.
func (a *Agent) ClearFailures() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failures = 0
}

// AdvanceModel moves to the next model index and zeroes the failure
// counter in one step. When modelCount is positive the index wraps
// around; otherwise it grows without bound. Returns the previous and
// new indices.
func (a *Agent) AdvanceModel(modelCount int) (from, to int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	from = a.modelIndex
	a.modelIndex++
	if modelCount > 0 {
		a.modelIndex %= modelCount
	}
	a.failures = 0
	return from, a.modelIndex
}
