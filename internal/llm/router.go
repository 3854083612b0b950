package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Session is an opaque conversation handle bound to one model index.
// Sessions are never re-bound: a reset or failover opens a new one.
type Session struct {
	id    string
	index int
	model string
	chat  Chat
}

// NewSession wraps chat in a Session with a fresh UUIDv7 identifier.
func NewSession(index int, model string, chat Chat) *Session {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return &Session{id: id.String(), index: index, model: model, chat: chat}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// ModelIndex returns the index of the model this session is bound to.
func (s *Session) ModelIndex() int { return s.index }

// ModelName returns the bound model's name.
func (s *Session) ModelName() string { return s.model }

// Ask sends prompt within this session and returns the reply.
func (s *Session) Ask(ctx context.Context, prompt string) (string, error) {
	return s.chat.Send(ctx, prompt)
}

// Router maps an ordered model list onto registered providers.
type Router struct {
	models    []ModelSpec
	providers map[string]Provider
}

// NewRouter creates a router over models, in failover order.
func NewRouter(models []ModelSpec) *Router {
	return &Router{
		models:    append([]ModelSpec(nil), models...),
		providers: make(map[string]Provider),
	}
}

// AddProvider registers a provider under name.
func (r *Router) AddProvider(name string, p Provider) {
	r.providers[name] = p
}

// ListModels returns the configured model names in order.
func (r *Router) ListModels(context.Context) ([]string, error) {
	names := make([]string, len(r.models))
	for i, m := range r.models {
		names[i] = m.Name
	}
	return names, nil
}

// Installed asks every provider that can enumerate its models and
// returns the union, keyed by provider name. Providers that fail are
// reported in the joined error; the rest are still returned.
func (r *Router) Installed(ctx context.Context) (map[string][]string, error) {
	out := make(map[string][]string)
	var errs []error
	for name, p := range r.providers {
		lister, ok := p.(ModelLister)
		if !ok {
			continue
		}
		names, err := lister.ListModels(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		out[name] = names
	}
	return out, errors.Join(errs...)
}

// NewSession opens a session on the model at index.
func (r *Router) NewSession(ctx context.Context, index int, systemPrompt string) (*Session, error) {
	if index < 0 || index >= len(r.models) {
		return nil, fmt.Errorf("model index %d out of range (have %d models)", index, len(r.models))
	}
	spec := r.models[index]
	p, ok := r.providers[spec.Provider]
	if !ok {
		return nil, fmt.Errorf("no provider %q registered for model %q", spec.Provider, spec.Name)
	}
	chat, err := p.NewChat(ctx, spec.Name, systemPrompt)
	if err != nil {
		return nil, fmt.Errorf("open chat on %s: %w", spec.Name, err)
	}
	return NewSession(index, spec.Name, chat), nil
}

// Ping checks every provider referenced by the model list.
func (r *Router) Ping(ctx context.Context) error {
	seen := make(map[string]bool)
	var errs []error
	for _, m := range r.models {
		if seen[m.Provider] {
			continue
		}
		seen[m.Provider] = true
		p, ok := r.providers[m.Provider]
		if !ok {
			errs = append(errs, fmt.Errorf("%s: not registered", m.Provider))
			continue
		}
		if err := p.Ping(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", m.Provider, err))
		}
	}
	return errors.Join(errs...)
}
