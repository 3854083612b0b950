// Package conversation owns the agent's backend session: when to start
// a fresh one, when a reply is unusable, and when to give up on the
// current model and fail over to the next.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/nugget/tigerbee/internal/events"
	"github.com/nugget/tigerbee/internal/llm"
	"github.com/nugget/tigerbee/internal/opstate"
	"github.com/nugget/tigerbee/internal/state"
)

var (
	// ErrBackend wraps any failure of the language backend.
	ErrBackend = errors.New("backend failure")
	// ErrInvalidResponse marks a reply that must not be spoken.
	ErrInvalidResponse = errors.New("invalid response")
)

// Backend opens sessions by model index.
type Backend interface {
	NewSession(ctx context.Context, index int, systemPrompt string) (*llm.Session, error)
	ListModels(ctx context.Context) ([]string, error)
}

// Notifier surfaces operator-visible messages. *chatbox.Display
// satisfies it.
type Notifier interface {
	Send(text string)
}

// Persister records the active model across restarts. *opstate.Store
// satisfies it.
type Persister interface {
	SetInt(namespace, key string, n int) error
	Incr(namespace, key string) (int, error)
}

// Config tunes the manager. Zero values select defaults.
type Config struct {
	SystemPrompt string
	// ResetWords and Names must both appear in a prompt to force a
	// fresh session.
	ResetWords []string
	Names      []string
	// MaxResponseLen is the longest reply (in characters) accepted.
	MaxResponseLen int
	// MalformedMarkers are substrings that indicate a broken reply.
	MalformedMarkers []string
	// FailureThreshold is the failure count that, once exceeded,
	// triggers failover.
	FailureThreshold int
}

func (c *Config) applyDefaults() {
	if len(c.ResetWords) == 0 {
		c.ResetWords = []string{"reset", "restart"}
	}
	if len(c.Names) == 0 {
		c.Names = []string{"box", "bot", "bbott", "bebop", "butt"}
	}
	if c.MaxResponseLen <= 0 {
		c.MaxResponseLen = 300
	}
	if len(c.MalformedMarkers) == 0 {
		c.MalformedMarkers = []string{"<assistant"}
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 2
	}
}

// Manager is the conversation manager. Ask, Validate, Failover and
// ResetSession may be called from different goroutines.
type Manager struct {
	backend Backend
	state   *state.Agent
	cfg     Config
	notify  Notifier
	store   Persister
	bus     *events.Bus
	logger  *slog.Logger
	models  []string

	mu      sync.Mutex
	session *llm.Session
}

// New creates a manager. It reads the model list from backend but does
// not open a session; call [Manager.Start].
func New(ctx context.Context, backend Backend, st *state.Agent, cfg Config, notify Notifier, store Persister, bus *events.Bus, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.applyDefaults()

	models, err := backend.ListModels(ctx)
	if err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}
	if len(models) == 0 {
		return nil, errors.New("no models available")
	}

	return &Manager{
		backend: backend,
		state:   st,
		cfg:     cfg,
		notify:  notify,
		store:   store,
		bus:     bus,
		logger:  logger,
		models:  models,
	}, nil
}

// Start opens the first session. A failure is logged, not returned: the
// next Ask retries.
func (m *Manager) Start(ctx context.Context) {
	m.reset(ctx, "startup")
}

// Models returns the available model names in failover order.
func (m *Manager) Models() []string {
	return append([]string(nil), m.models...)
}

// ModelIndex returns the active model index.
func (m *Manager) ModelIndex() int {
	return m.state.ModelIndex()
}

// ModelName returns the active model's name.
func (m *Manager) ModelName() string {
	m.mu.Lock()
	s := m.session
	m.mu.Unlock()
	if s != nil {
		return s.ModelName()
	}
	if i := m.state.ModelIndex(); i >= 0 && i < len(m.models) {
		return m.models[i]
	}
	return ""
}

// Session returns the active session, or nil if none is open.
func (m *Manager) Session() *llm.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}

// ResetRequested reports whether prompt asks the agent, by name, to
// reset or restart.
func (m *Manager) ResetRequested(prompt string) bool {
	lower := strings.ToLower(prompt)
	return containsAny(lower, m.cfg.ResetWords) && containsAny(lower, m.cfg.Names)
}

// Ask sends prompt to the active session. A reset request in the prompt
// opens a fresh session first. At most one session is opened per call.
// Backend failures, including a panic inside the session, reset the
// session and count toward failover; the returned error wraps
// [ErrBackend].
func (m *Manager) Ask(ctx context.Context, prompt string) (string, error) {
	var sess *llm.Session
	if m.ResetRequested(prompt) {
		sess = m.reset(ctx, "requested")
	} else if sess = m.Session(); sess == nil {
		sess = m.reset(ctx, "no session")
	}
	if sess == nil {
		err := errors.New("no session available")
		m.recordFailure(ctx, err, false)
		return "", fmt.Errorf("%w: %v", ErrBackend, err)
	}

	reply, err := askSession(ctx, sess, prompt)
	if err != nil {
		m.RecordFailure(ctx, err)
		return "", fmt.Errorf("%w: %v", ErrBackend, err)
	}

	m.state.ClearFailures()
	return reply, nil
}

func askSession(ctx context.Context, sess *llm.Session, prompt string) (reply string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("session panicked: %v", r)
		}
	}()
	return sess.Ask(ctx, prompt)
}

// RecordFailure counts one backend failure. Past the threshold it fails
// over to the next model; otherwise it opens a fresh session on the
// same model.
func (m *Manager) RecordFailure(ctx context.Context, cause error) {
	m.recordFailure(ctx, cause, true)
}

// recordFailure skips the same-model reset when the caller has just
// failed to open one.
func (m *Manager) recordFailure(ctx context.Context, cause error, reopen bool) {
	n := m.state.RecordFailure()
	index := m.state.ModelIndex()

	m.logger.Warn("backend failure",
		"model_index", index,
		"consecutive_failures", n,
		"error", cause,
	)
	m.bus.Emit(events.SourceConversation, events.KindBackendFailure, map[string]any{
		"model_index":          index,
		"consecutive_failures": n,
		"error":                fmt.Sprint(cause),
	})

	if n > m.cfg.FailureThreshold {
		if err := m.Failover(ctx); err != nil {
			m.logger.Warn("failover could not open a session", "error", err)
		}
		return
	}
	if reopen {
		m.reset(ctx, "backend failure")
	}
}

// Failover abandons the current model: it notifies the operator,
// advances to the next model (wrapping after the last), clears the
// failure counter, persists the new index, and opens a fresh session.
func (m *Manager) Failover(ctx context.Context) error {
	current := m.state.ModelIndex()
	if m.notify != nil {
		m.notify.Send(fmt.Sprintf("Model#%d failed. Switching...", current))
	}

	from, to := m.state.AdvanceModel(len(m.models))
	m.logger.Info("model failover", "from", from, "to", to, "model", m.models[to])
	m.bus.Emit(events.SourceConversation, events.KindFailover, map[string]any{"from": from, "to": to})

	if m.store != nil {
		if err := m.store.SetInt(opstate.NamespaceConversation, opstate.KeyModelIndex, to); err != nil {
			m.logger.Warn("persist model index failed", "error", err)
		}
		if _, err := m.store.Incr(opstate.NamespaceConversation, opstate.KeyFailovers); err != nil {
			m.logger.Warn("persist failover count failed", "error", err)
		}
	}

	if m.reset(ctx, "failover") == nil {
		return fmt.Errorf("%w: no session on model %d", ErrBackend, to)
	}
	return nil
}

// ResetSession discards the active session and opens a new one on the
// same model.
func (m *Manager) ResetSession(ctx context.Context) error {
	if m.reset(ctx, "operator") == nil {
		return fmt.Errorf("%w: could not open session", ErrBackend)
	}
	return nil
}

// Validate rejects replies that are too long or carry a malformed
// marker. A rejected reply forces a fresh session; the returned error
// wraps [ErrInvalidResponse].
func (m *Manager) Validate(ctx context.Context, reply string) error {
	var reason string
	if n := utf8.RuneCountInString(reply); n > m.cfg.MaxResponseLen {
		reason = fmt.Sprintf("length %d exceeds %d", n, m.cfg.MaxResponseLen)
	} else {
		for _, marker := range m.cfg.MalformedMarkers {
			if strings.Contains(reply, marker) {
				reason = fmt.Sprintf("contains %q", marker)
				break
			}
		}
	}
	if reason == "" {
		return nil
	}

	m.logger.Info("discarding invalid response", "reason", reason)
	m.reset(ctx, "invalid response")
	return fmt.Errorf("%w: %s", ErrInvalidResponse, reason)
}

// reset replaces the active session with a new one on the current
// model index. On failure the active session is cleared and nil is
// returned.
func (m *Manager) reset(ctx context.Context, reason string) *llm.Session {
	index := m.state.ModelIndex()
	sess, err := m.backend.NewSession(ctx, index, m.cfg.SystemPrompt)

	m.mu.Lock()
	m.session = sess
	m.mu.Unlock()

	if err != nil {
		m.logger.Warn("open session failed", "model_index", index, "reason", reason, "error", err)
		return nil
	}

	m.logger.Info("session started",
		"model_index", index,
		"model", sess.ModelName(),
		"session_id", sess.ID(),
		"reason", reason,
	)
	m.bus.Emit(events.SourceConversation, events.KindSessionReset, map[string]any{
		"model_index": index,
		"session_id":  sess.ID(),
		"reason":      reason,
	})
	return sess
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}
