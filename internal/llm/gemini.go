package llm

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"google.golang.org/genai"
)

// generateFunc produces a model reply for the full conversation.
type generateFunc func(ctx context.Context, model string, contents []*genai.Content, cfg *genai.GenerateContentConfig) (string, error)

// GeminiClient serves chats through the Gemini API.
type GeminiClient struct {
	client     *genai.Client
	probeModel string
	generate   generateFunc
}

// NewGeminiClient creates a Gemini client. probeModel is fetched by
// Ping to confirm the key and endpoint work.
func NewGeminiClient(ctx context.Context, apiKey, probeModel string) (*GeminiClient, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}

	g := &GeminiClient{client: client, probeModel: probeModel}
	g.generate = g.generateContent
	return g, nil
}

func (g *GeminiClient) generateContent(ctx context.Context, model string, contents []*genai.Content, cfg *genai.GenerateContentConfig) (string, error) {
	resp, err := g.client.Models.GenerateContent(ctx, model, contents, cfg)
	if err != nil {
		return "", err
	}
	return resp.Text(), nil
}

// NewChat starts a conversation whose history is replayed on each turn.
func (g *GeminiClient) NewChat(_ context.Context, model, systemPrompt string) (Chat, error) {
	cfg := &genai.GenerateContentConfig{}
	if systemPrompt != "" {
		cfg.SystemInstruction = genai.NewContentFromText(systemPrompt, genai.RoleUser)
	}
	return &geminiChat{generate: g.generate, model: model, cfg: cfg}, nil
}

// Ping fetches the probe model's metadata.
func (g *GeminiClient) Ping(ctx context.Context) error {
	if g.probeModel == "" {
		return nil
	}
	if _, err := g.client.Models.Get(ctx, g.probeModel, nil); err != nil {
		return fmt.Errorf("get model %s: %w", g.probeModel, err)
	}
	return nil
}

type geminiChat struct {
	generate generateFunc
	model    string
	cfg      *genai.GenerateContentConfig

	mu      sync.Mutex
	history []*genai.Content
}

// Send replays history plus prompt and records the reply. A failed
// request leaves the history unchanged.
func (c *geminiChat) Send(ctx context.Context, prompt string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	contents := append(append([]*genai.Content(nil), c.history...), genai.NewContentFromText(prompt, genai.RoleUser))
	reply, err := c.generate(ctx, c.model, contents, c.cfg)
	if err != nil {
		return "", fmt.Errorf("gemini generate: %w", err)
	}
	if strings.TrimSpace(reply) == "" {
		return "", ErrEmptyResponse
	}
	c.history = append(contents, genai.NewContentFromText(reply, genai.RoleModel))
	return reply, nil
}
