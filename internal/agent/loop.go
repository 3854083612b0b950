// Package agent runs the agent's main control loop: listen for speech,
// screen it, ask the backend, screen and validate the reply, speak and
// display it, then act on it with commands and an emote.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/nugget/tigerbee/internal/events"
	"github.com/nugget/tigerbee/internal/plaintext"
	"github.com/nugget/tigerbee/internal/speech"
	"github.com/nugget/tigerbee/internal/usage"
)

// Operator-visible chat messages.
const (
	MsgStartingUp       = "Starting up..."
	MsgResponseFiltered = "Response was filtered. Please try again."
	MsgResponseInvalid  = "Response was invalid. Resetting conversation."
)

// Listener captures one utterance. *speech.LineListener and
// *speech.CommandListener satisfy it.
type Listener interface {
	Listen(ctx context.Context, timeout, phraseLimit time.Duration) (string, error)
}

// Screener is the content blocklist. *filter.Set satisfies it.
type Screener interface {
	IsFiltered(text string) bool
}

// Conversation is the backend session owner.
// *conversation.Manager satisfies it.
type Conversation interface {
	Ask(ctx context.Context, prompt string) (string, error)
	Validate(ctx context.Context, reply string) error
	ModelIndex() int
	ModelName() string
}

// Speaker voices a line. *speech.Speaker satisfies it.
type Speaker interface {
	Speak(ctx context.Context, text string)
}

// Display shows a line in the chat box. *chatbox.Display satisfies it.
type Display interface {
	Send(text string)
}

// CommandDispatcher acts on movement keywords and control phrases.
type CommandDispatcher interface {
	Dispatch(ctx context.Context, combined, utterance string) []string
}

// EmoteDispatcher plays the best-matching emote for a reply.
type EmoteDispatcher interface {
	Dispatch(response string) int
}

// Recorder keeps the turn history. *usage.Store satisfies it.
type Recorder interface {
	Record(ctx context.Context, rec usage.Record) error
}

// Components are the loop's collaborators. All are required except
// Recorder.
type Components struct {
	Listener     Listener
	Screener     Screener
	Conversation Conversation
	Speaker      Speaker
	Display      Display
	Commands     CommandDispatcher
	Emotes       EmoteDispatcher
	Recorder     Recorder
}

// Config tunes the loop.
type Config struct {
	// ListenTimeout bounds the wait for speech to begin.
	ListenTimeout time.Duration
	// PhraseLimit bounds how long one utterance may run.
	PhraseLimit time.Duration
	// Greeting is spoken at startup, followed by the model's first reply.
	Greeting string
}

// Outcome is how a single turn ended.
type Outcome string

// Turn outcomes.
const (
	OutcomeNoSpeech       Outcome = "no_speech"
	OutcomeFilteredInput  Outcome = "filtered_input"
	OutcomeBackendFailure Outcome = "backend_failure"
	OutcomeFilteredOutput Outcome = "filtered_output"
	OutcomeInvalid        Outcome = "invalid_response"
	OutcomePanic          Outcome = "panic"
	OutcomeComplete       Outcome = "complete"
)

// Loop is the main control loop.
type Loop struct {
	c      Components
	cfg    Config
	bus    *events.Bus
	logger *slog.Logger
}

// New creates a loop.
func New(c Components, cfg Config, bus *events.Bus, logger *slog.Logger) *Loop {
	if cfg.ListenTimeout <= 0 {
		cfg.ListenTimeout = 1500 * time.Millisecond
	}
	if cfg.PhraseLimit <= 0 {
		cfg.PhraseLimit = 6 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{c: c, cfg: cfg, bus: bus, logger: logger}
}

// Greet speaks and displays the startup greeting followed by the
// model's reply to an empty prompt. A backend failure leaves just the
// greeting.
func (l *Loop) Greet(ctx context.Context) {
	msg := l.cfg.Greeting
	reply, err := l.c.Conversation.Ask(ctx, ".")
	switch {
	case err != nil:
		l.logger.Warn("startup ask failed", "error", err)
	case l.c.Screener.IsFiltered(reply):
		l.logger.Info("startup reply filtered")
	default:
		if text := plaintext.FromMarkdown(reply); text != "" {
			msg = joinNonEmpty(msg, text)
		}
	}
	if msg == "" {
		return
	}
	l.c.Speaker.Speak(ctx, msg)
	l.c.Display.Send(msg)
}

// Run executes turns until ctx is cancelled. Nothing that happens in a
// turn, panics included, stops the loop.
func (l *Loop) Run(ctx context.Context) error {
	l.logger.Info("control loop started",
		"listen_timeout", l.cfg.ListenTimeout.String(),
		"phrase_limit", l.cfg.PhraseLimit.String(),
	)
	for {
		if err := ctx.Err(); err != nil {
			l.logger.Info("control loop stopped")
			return err
		}
		l.safeTurn(ctx)
	}
}

func (l *Loop) safeTurn(ctx context.Context) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("turn panicked",
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()),
			)
			l.drop(OutcomePanic)
			out = OutcomePanic
		}
	}()
	return l.Turn(ctx)
}

// Turn runs one listen-to-emote cycle and reports how it ended.
func (l *Loop) Turn(ctx context.Context) Outcome {
	utterance, err := l.c.Listener.Listen(ctx, l.cfg.ListenTimeout, l.cfg.PhraseLimit)
	if err != nil {
		var rerr *speech.RecognitionError
		switch {
		case ctx.Err() != nil:
		case errors.As(err, &rerr):
			l.logger.Warn("speech recognition failed", "error", err)
		case errors.Is(err, speech.ErrNoSpeech):
			l.logger.Debug("could not understand speech")
		default:
			l.logger.Warn("listen failed", "error", err)
		}
		return OutcomeNoSpeech
	}

	rec := usage.Record{
		ModelIndex:  l.c.Conversation.ModelIndex(),
		Model:       l.c.Conversation.ModelName(),
		PromptChars: len([]rune(utterance)),
	}
	out := l.converse(ctx, utterance, &rec)
	rec.Outcome = string(out)
	l.record(ctx, rec)
	return out
}

// converse runs everything after a successful listen and fills in the
// response side of rec.
func (l *Loop) converse(ctx context.Context, utterance string, rec *usage.Record) Outcome {
	if l.c.Screener.IsFiltered(utterance) {
		l.logger.Debug("utterance filtered")
		return l.drop(OutcomeFilteredInput)
	}

	l.logger.Info("heard utterance", "text", utterance)
	l.c.Display.Send(fmt.Sprintf("Thinking... Model#%d\n'%s'\nPrompt: %s",
		rec.ModelIndex, rec.Model, utterance))

	start := time.Now()
	reply, err := l.c.Conversation.Ask(ctx, utterance)
	rec.Latency = time.Since(start)
	if err != nil {
		l.logger.Warn("chat failure", "error", err)
		return l.drop(OutcomeBackendFailure)
	}
	rec.ResponseChars = len([]rune(reply))

	if l.c.Screener.IsFiltered(reply) {
		l.logger.Info("response filtered")
		l.c.Display.Send(MsgResponseFiltered)
		return l.drop(OutcomeFilteredOutput)
	}

	if err := l.c.Conversation.Validate(ctx, reply); err != nil {
		l.logger.Info("response invalid", "error", err)
		l.c.Display.Send(MsgResponseInvalid)
		return l.drop(OutcomeInvalid)
	}

	spoken := plaintext.FromMarkdown(reply)
	l.c.Speaker.Speak(ctx, spoken)
	l.c.Display.Send(spoken)

	fired := l.c.Commands.Dispatch(ctx, utterance+" "+reply, utterance)
	emote := l.c.Emotes.Dispatch(reply)

	l.logger.Info("turn complete",
		"model_index", rec.ModelIndex,
		"response_len", rec.ResponseChars,
		"latency", rec.Latency.String(),
		"commands", fired,
		"emote", emote,
	)
	l.bus.Emit(events.SourceLoop, events.KindTurnComplete, map[string]any{
		"model_index":  rec.ModelIndex,
		"prompt_len":   rec.PromptChars,
		"response_len": rec.ResponseChars,
		"latency_ms":   rec.Latency.Milliseconds(),
	})
	return OutcomeComplete
}

func (l *Loop) record(ctx context.Context, rec usage.Record) {
	if l.c.Recorder == nil {
		return
	}
	if err := l.c.Recorder.Record(context.WithoutCancel(ctx), rec); err != nil {
		l.logger.Warn("record turn failed", "error", err)
	}
}

func (l *Loop) drop(o Outcome) Outcome {
	l.bus.Emit(events.SourceLoop, events.KindTurnDropped, map[string]any{"reason": string(o)})
	return o
}

func joinNonEmpty(a, b string) string {
	switch {
	case a == "":
		return b
	case b == "":
		return a
	}
	return a + " " + b
}
