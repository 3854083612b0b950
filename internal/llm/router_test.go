package llm

import (
	"context"
	"errors"
	"slices"
	"testing"

	"google.golang.org/genai"
)

type stubChat struct{ reply string }

func (s stubChat) Send(context.Context, string) (string, error) { return s.reply, nil }

type stubProvider struct {
	opened  []string
	pingErr error
	models  []string
}

func (p *stubProvider) NewChat(_ context.Context, model, _ string) (Chat, error) {
	p.opened = append(p.opened, model)
	return stubChat{reply: "from " + model}, nil
}

func (p *stubProvider) Ping(context.Context) error { return p.pingErr }

func (p *stubProvider) ListModels(context.Context) ([]string, error) { return p.models, nil }

func TestRouterNewSession(t *testing.T) {
	local := &stubProvider{}
	remote := &stubProvider{}
	r := NewRouter([]ModelSpec{
		{Name: "small", Provider: "ollama"},
		{Name: "large", Provider: "gemini"},
	})
	r.AddProvider("ollama", local)
	r.AddProvider("gemini", remote)

	s, err := r.NewSession(context.Background(), 1, "sys")
	if err != nil {
		t.Fatalf("NewSession(1) error: %v", err)
	}
	if s.ModelIndex() != 1 || s.ModelName() != "large" {
		t.Errorf("session bound to %d/%s, want 1/large", s.ModelIndex(), s.ModelName())
	}
	if s.ID() == "" {
		t.Error("session has empty ID")
	}
	if got, _ := s.Ask(context.Background(), "hi"); got != "from large" {
		t.Errorf("Ask() = %q", got)
	}
	if !slices.Equal(remote.opened, []string{"large"}) || len(local.opened) != 0 {
		t.Errorf("opened local=%v remote=%v", local.opened, remote.opened)
	}

	other, _ := r.NewSession(context.Background(), 1, "sys")
	if other.ID() == s.ID() {
		t.Error("two sessions share an ID")
	}
}

func TestRouterNewSessionErrors(t *testing.T) {
	r := NewRouter([]ModelSpec{{Name: "m", Provider: "missing"}})

	if _, err := r.NewSession(context.Background(), 3, ""); err == nil {
		t.Error("expected out-of-range error")
	}
	if _, err := r.NewSession(context.Background(), -1, ""); err == nil {
		t.Error("expected error for negative index")
	}
	if _, err := r.NewSession(context.Background(), 0, ""); err == nil {
		t.Error("expected unregistered provider error")
	}
}

func TestRouterListAndPing(t *testing.T) {
	down := errors.New("down")
	r := NewRouter([]ModelSpec{
		{Name: "a", Provider: "ollama"},
		{Name: "b", Provider: "ollama"},
		{Name: "c", Provider: "gemini"},
	})
	r.AddProvider("ollama", &stubProvider{models: []string{"a"}})
	r.AddProvider("gemini", &stubProvider{pingErr: down})

	names, _ := r.ListModels(context.Background())
	if !slices.Equal(names, []string{"a", "b", "c"}) {
		t.Errorf("ListModels() = %v", names)
	}

	if err := r.Ping(context.Background()); !errors.Is(err, down) {
		t.Errorf("Ping() error = %v, want wrapped %v", err, down)
	}

	installed, err := r.Installed(context.Background())
	if err != nil {
		t.Fatalf("Installed() error: %v", err)
	}
	if !slices.Equal(installed["ollama"], []string{"a"}) {
		t.Errorf("Installed()[ollama] = %v", installed["ollama"])
	}
}

func TestGeminiChatHistory(t *testing.T) {
	var calls [][]*genai.Content
	g := &GeminiClient{generate: func(_ context.Context, model string, contents []*genai.Content, cfg *genai.GenerateContentConfig) (string, error) {
		if cfg.SystemInstruction == nil {
			t.Error("system instruction not set")
		}
		calls = append(calls, contents)
		if len(calls) == 2 {
			return "", errors.New("quota")
		}
		return "ok", nil
	}}

	chat, _ := g.NewChat(context.Background(), "gemini-2.5-flash", "persona")

	if got, err := chat.Send(context.Background(), "first"); err != nil || got != "ok" {
		t.Fatalf("Send(first) = %q, %v", got, err)
	}
	if _, err := chat.Send(context.Background(), "fails"); err == nil {
		t.Fatal("Send(fails) error = nil")
	}
	chat.Send(context.Background(), "third")

	if n := len(calls[2]); n != 3 {
		t.Errorf("third call carried %d contents, want 3 (user, model, user)", n)
	}
	if calls[2][1].Role != string(genai.RoleModel) {
		t.Errorf("history role = %q, want %q", calls[2][1].Role, genai.RoleModel)
	}
}
