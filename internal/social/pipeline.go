package social

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/gorilla/websocket"

	"github.com/nugget/tigerbee/internal/connwatch"
)

// DefaultPipelineURL is the VRChat realtime event endpoint.
const DefaultPipelineURL = "wss://pipeline.vrchat.cloud/"

// pipelineMessage is one realtime event. Content is itself JSON encoded
// as a string and is not needed here.
type pipelineMessage struct {
	Type string `json:"type"`
}

// Pipeline listens on the realtime websocket and signals when a new
// notification arrives, so the greeter does not wait for its next poll.
type Pipeline struct {
	baseURL   string
	token     func() string
	userAgent string
	logger    *slog.Logger
}

// NewPipeline creates a listener. token supplies the current session
// cookie.
func NewPipeline(baseURL string, token func() string, userAgent string, logger *slog.Logger) *Pipeline {
	if baseURL == "" {
		baseURL = DefaultPipelineURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{baseURL: baseURL, token: token, userAgent: userAgent, logger: logger}
}

// Run connects and reconnects with backoff until ctx is cancelled,
// sending on wake for each notification event. Sends never block.
func (p *Pipeline) Run(ctx context.Context, wake chan<- struct{}) {
	backoff := connwatch.DefaultBackoff()
	for {
		err := p.listen(ctx, wake, &backoff)
		if ctx.Err() != nil {
			return
		}
		delay := backoff.Next()
		p.logger.Warn("pipeline disconnected", "error", err, "retry_in", delay.String())
		if !connwatch.SleepCtx(ctx, delay) {
			return
		}
	}
}

func (p *Pipeline) listen(ctx context.Context, wake chan<- struct{}, backoff *connwatch.Backoff) error {
	u, err := url.Parse(p.baseURL)
	if err != nil {
		return fmt.Errorf("parse pipeline URL: %w", err)
	}
	q := u.Query()
	q.Set("authToken", p.token())
	u.RawQuery = q.Encode()

	header := http.Header{"User-Agent": {p.userAgent}}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		return fmt.Errorf("dial pipeline: %w", err)
	}
	defer conn.Close()

	// Unblock ReadMessage on shutdown.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	backoff.Reset()
	p.logger.Info("pipeline connected")

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read pipeline: %w", err)
		}
		var msg pipelineMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			p.logger.Debug("ignoring malformed pipeline message", "error", err)
			continue
		}
		if msg.Type != "notification" && msg.Type != "notification-v2" {
			continue
		}
		select {
		case wake <- struct{}{}:
		default:
		}
	}
}
