// Package connwatch tracks the reachability of the agent's remote
// services: the language backend and the social API. A Watcher probes
// its service with exponential backoff while the service is down and at
// a steady interval while it is up, publishing each transition on the
// event bus.
package connwatch

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nugget/tigerbee/internal/events"
)

// ProbeFunc checks whether a service is reachable. Return nil if healthy.
type ProbeFunc func(ctx context.Context) error

// Backoff yields exponentially growing delays. The zero value is not
// usable; start from DefaultBackoff.
type Backoff struct {
	// Initial is the first delay.
	Initial time.Duration
	// Max caps delay growth.
	Max time.Duration
	// Multiplier scales the delay after each step.
	Multiplier float64

	cur time.Duration
}

// DefaultBackoff returns 2s, 4s, 8s, ... capped at one minute.
func DefaultBackoff() Backoff {
	return Backoff{
		Initial:    2 * time.Second,
		Max:        time.Minute,
		Multiplier: 2,
	}
}

// Next returns the delay to wait before the next attempt.
func (b *Backoff) Next() time.Duration {
	if b.cur <= 0 {
		b.cur = b.Initial
		return b.cur
	}
	b.cur = time.Duration(float64(b.cur) * b.Multiplier)
	if b.cur > b.Max {
		b.cur = b.Max
	}
	return b.cur
}

// Reset restarts the schedule from Initial.
func (b *Backoff) Reset() { b.cur = 0 }

func (b *Backoff) fill() {
	d := DefaultBackoff()
	if b.Initial <= 0 {
		b.Initial = d.Initial
	}
	if b.Max <= 0 {
		b.Max = d.Max
	}
	if b.Max < b.Initial {
		b.Max = b.Initial
	}
	if b.Multiplier < 1 {
		b.Multiplier = d.Multiplier
	}
}

// Config configures one Watcher. Zero durations select defaults.
type Config struct {
	// Name identifies the service in logs and events (e.g. "llm").
	Name  string
	Probe ProbeFunc

	Backoff Backoff
	// PollInterval spaces probes while the service is up (default 60s).
	PollInterval time.Duration
	// ProbeTimeout bounds each probe (default 10s).
	ProbeTimeout time.Duration

	Bus    *events.Bus
	Logger *slog.Logger
}

// Status is a point-in-time view of a watched service.
type Status struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
}

// Watcher monitors one service.
type Watcher struct {
	cfg    Config
	ready  atomic.Bool
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	lastErr   error
	lastCheck time.Time
}

// Watch starts a watcher that runs until ctx is cancelled or Stop is
// called. Panics if Name is empty or Probe is nil.
func Watch(ctx context.Context, cfg Config) *Watcher {
	if cfg.Name == "" {
		panic("connwatch: Config.Name must not be empty")
	}
	if cfg.Probe == nil {
		panic("connwatch: Config.Probe must not be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	cfg.Backoff.fill()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Minute
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 10 * time.Second
	}

	ctx, cancel := context.WithCancel(ctx)
	w := &Watcher{cfg: cfg, cancel: cancel, done: make(chan struct{})}
	go w.run(ctx)
	return w
}

// IsReady reports whether the last probe succeeded.
func (w *Watcher) IsReady() bool {
	return w.ready.Load()
}

// Status returns the current health status.
func (w *Watcher) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := Status{
		Name:      w.cfg.Name,
		Ready:     w.ready.Load(),
		LastCheck: w.lastCheck,
	}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

// Stop cancels the watcher and waits for it to exit.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	backoff := w.cfg.Backoff
	attempts := 0
	for {
		err := w.probe(ctx)
		if ctx.Err() != nil {
			return
		}
		attempts++
		w.transition(err, attempts)

		var delay time.Duration
		if err == nil {
			backoff.Reset()
			attempts = 0
			delay = w.cfg.PollInterval
		} else {
			delay = backoff.Next()
			w.cfg.Logger.Debug("service unreachable, retrying",
				"service", w.cfg.Name,
				"attempt", attempts,
				"next_delay", delay.String(),
				"error", err,
			)
		}

		if !SleepCtx(ctx, delay) {
			return
		}
	}
}

func (w *Watcher) probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, w.cfg.ProbeTimeout)
	defer cancel()
	return w.cfg.Probe(ctx)
}

// transition records err and reports up/down changes. The first
// failure after startup counts as a change so operators learn about a
// service that never came up.
func (w *Watcher) transition(err error, attempts int) {
	w.mu.Lock()
	first := w.lastCheck.IsZero()
	w.lastErr = err
	w.lastCheck = time.Now()
	w.mu.Unlock()

	wasReady := w.ready.Swap(err == nil)
	logger := w.cfg.Logger

	switch {
	case err == nil && !wasReady:
		logger.Info("service connected", "service", w.cfg.Name, "after_attempts", attempts)
		w.cfg.Bus.Emit(events.SourceHealth, events.KindServiceUp, map[string]any{
			"service": w.cfg.Name,
		})
	case err != nil && (wasReady || first):
		logger.Warn("service unreachable", "service", w.cfg.Name, "error", err)
		w.cfg.Bus.Emit(events.SourceHealth, events.KindServiceDown, map[string]any{
			"service": w.cfg.Name,
			"error":   err.Error(),
		})
	}
}

// SleepCtx sleeps for d or until ctx is cancelled. Returns false if
// cancelled.
func SleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Manager groups the agent's watchers.
type Manager struct {
	mu       sync.RWMutex
	watchers map[string]*Watcher
	bus      *events.Bus
	logger   *slog.Logger
}

// NewManager creates a manager whose watchers publish on bus.
func NewManager(bus *events.Bus, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		watchers: make(map[string]*Watcher),
		bus:      bus,
		logger:   logger,
	}
}

// Watch starts a watcher for cfg, filling in the manager's bus and
// logger when cfg leaves them unset.
func (m *Manager) Watch(ctx context.Context, cfg Config) *Watcher {
	if cfg.Bus == nil {
		cfg.Bus = m.bus
	}
	if cfg.Logger == nil {
		cfg.Logger = m.logger
	}
	w := Watch(ctx, cfg)

	m.mu.Lock()
	m.watchers[cfg.Name] = w
	m.mu.Unlock()
	return w
}

// Status returns the status of every watched service.
func (m *Manager) Status() map[string]Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]Status, len(m.watchers))
	for name, w := range m.watchers {
		out[name] = w.Status()
	}
	return out
}

// Stop shuts down all watchers.
func (m *Manager) Stop() {
	m.mu.RLock()
	ws := make([]*Watcher, 0, len(m.watchers))
	for _, w := range m.watchers {
		ws = append(ws, w)
	}
	m.mu.RUnlock()

	for _, w := range ws {
		w.Stop()
	}
}
