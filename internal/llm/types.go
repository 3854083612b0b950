// Package llm provides the language backend: provider clients (Ollama,
// Gemini) and a Router that exposes an ordered model list and opens
// conversation sessions bound to a model index.
package llm

import (
	"context"
	"errors"
	"log/slog"
)

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = slog.Level(-8)

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Chat roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ErrEmptyResponse is returned when a provider answers with no text.
var ErrEmptyResponse = errors.New("empty response from model")

// Chat is a provider-side conversation with history.
type Chat interface {
	// Send appends prompt to the conversation and returns the reply.
	Send(ctx context.Context, prompt string) (string, error)
}

// Provider opens chats against one backend service.
type Provider interface {
	// NewChat starts an empty conversation with model, seeded with an
	// optional system prompt.
	NewChat(ctx context.Context, model, systemPrompt string) (Chat, error)

	// Ping checks if the provider is reachable.
	Ping(ctx context.Context) error
}

// ModelLister is implemented by providers that can enumerate the
// models they serve.
type ModelLister interface {
	ListModels(ctx context.Context) ([]string, error)
}

// ModelSpec is one entry in the ordered model list.
type ModelSpec struct {
	Name     string
	Provider string
}
