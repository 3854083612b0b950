package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/nugget/tigerbee/internal/events"
	"github.com/nugget/tigerbee/internal/speech"
	"github.com/nugget/tigerbee/internal/usage"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type scriptedListener struct {
	mu    sync.Mutex
	items []heard
	calls int
}

type heard struct {
	text string
	err  error
}

func (l *scriptedListener) Listen(ctx context.Context, _, _ time.Duration) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	if len(l.items) == 0 {
		return "", speech.ErrNoSpeech
	}
	h := l.items[0]
	l.items = l.items[1:]
	return h.text, h.err
}

type wordScreen []string

func (s wordScreen) IsFiltered(text string) bool {
	for _, w := range s {
		if strings.Contains(strings.ToLower(text), w) {
			return true
		}
	}
	return false
}

type fakeConversation struct {
	reply     string
	err       error
	invalid   error
	prompts   []string
	validated []string
}

func (c *fakeConversation) Ask(_ context.Context, prompt string) (string, error) {
	c.prompts = append(c.prompts, prompt)
	return c.reply, c.err
}

func (c *fakeConversation) Validate(_ context.Context, reply string) error {
	c.validated = append(c.validated, reply)
	return c.invalid
}

func (c *fakeConversation) ModelIndex() int  { return 1 }
func (c *fakeConversation) ModelName() string { return "llama3.2:3b" }

type recorder struct {
	mu    sync.Mutex
	lines []string
}

func (r *recorder) Send(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, text)
}

func (r *recorder) Speak(_ context.Context, text string) { r.Send(text) }

func (r *recorder) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.lines...)
}

type fakeCommands struct {
	combined, utterance string
	calls               int
}

func (c *fakeCommands) Dispatch(_ context.Context, combined, utterance string) []string {
	c.calls++
	c.combined, c.utterance = combined, utterance
	return nil
}

type fakeEmotes struct {
	responses []string
}

func (e *fakeEmotes) Dispatch(response string) int {
	e.responses = append(e.responses, response)
	return 0
}

type harness struct {
	listener *scriptedListener
	conv     *fakeConversation
	display  *recorder
	speaker  *recorder
	commands *fakeCommands
	emotes   *fakeEmotes
	loop     *Loop
}

func newHarness(items []heard, conv *fakeConversation, bus *events.Bus) *harness {
	h := &harness{
		listener: &scriptedListener{items: items},
		conv:     conv,
		display:  &recorder{},
		speaker:  &recorder{},
		commands: &fakeCommands{},
		emotes:   &fakeEmotes{},
	}
	h.loop = New(Components{
		Listener:     h.listener,
		Screener:     wordScreen{"badword"},
		Conversation: h.conv,
		Speaker:      h.speaker,
		Display:      h.display,
		Commands:     h.commands,
		Emotes:       h.emotes,
	}, Config{Greeting: "Hello, I'm Tigerbee!"}, bus, nil)
	return h
}

func TestTurnComplete(t *testing.T) {
	bus := events.New()
	ch := bus.Subscribe(8)
	defer bus.Unsubscribe(ch)

	h := newHarness([]heard{{text: "hello bot"}}, &fakeConversation{reply: "Hi **there**! Let's wave."}, bus)

	if got := h.loop.Turn(context.Background()); got != OutcomeComplete {
		t.Fatalf("Turn() = %q, want %q", got, OutcomeComplete)
	}

	display := h.display.all()
	if len(display) != 2 {
		t.Fatalf("display = %q, want thinking line and reply", display)
	}
	wantThinking := "Thinking... Model#1\n'llama3.2:3b'\nPrompt: hello bot"
	if display[0] != wantThinking {
		t.Errorf("thinking line = %q, want %q", display[0], wantThinking)
	}
	if display[1] != "Hi there! Let's wave." {
		t.Errorf("displayed reply = %q", display[1])
	}
	if spoken := h.speaker.all(); len(spoken) != 1 || spoken[0] != "Hi there! Let's wave." {
		t.Errorf("spoken = %q", spoken)
	}

	if h.commands.combined != "hello bot Hi **there**! Let's wave." || h.commands.utterance != "hello bot" {
		t.Errorf("commands got combined=%q utterance=%q", h.commands.combined, h.commands.utterance)
	}
	if len(h.emotes.responses) != 1 || h.emotes.responses[0] != "Hi **there**! Let's wave." {
		t.Errorf("emotes got %q", h.emotes.responses)
	}

	select {
	case e := <-ch:
		if e.Kind != events.KindTurnComplete {
			t.Errorf("event kind = %q, want %q", e.Kind, events.KindTurnComplete)
		}
	default:
		t.Error("no turn event emitted")
	}
}

func TestTurnDropped(t *testing.T) {
	tests := []struct {
		name        string
		heard       heard
		conv        *fakeConversation
		want        Outcome
		wantDisplay []string
		wantAsk     bool
	}{
		{
			name:  "no speech",
			heard: heard{err: speech.ErrNoSpeech},
			conv:  &fakeConversation{reply: "x"},
			want:  OutcomeNoSpeech,
		},
		{
			name:  "recognizer failure",
			heard: heard{err: &speech.RecognitionError{Err: errors.New("service down")}},
			conv:  &fakeConversation{reply: "x"},
			want:  OutcomeNoSpeech,
		},
		{
			name:  "filtered input",
			heard: heard{text: "say BADWORD now"},
			conv:  &fakeConversation{reply: "x"},
			want:  OutcomeFilteredInput,
		},
		{
			name:        "backend failure",
			heard:       heard{text: "hi"},
			conv:        &fakeConversation{err: errors.New("backend failure: timeout")},
			want:        OutcomeBackendFailure,
			wantDisplay: []string{"Thinking... Model#1\n'llama3.2:3b'\nPrompt: hi"},
			wantAsk:     true,
		},
		{
			name:  "filtered output",
			heard: heard{text: "hi"},
			conv:  &fakeConversation{reply: "that's a badword"},
			want:  OutcomeFilteredOutput,
			wantDisplay: []string{
				"Thinking... Model#1\n'llama3.2:3b'\nPrompt: hi",
				MsgResponseFiltered,
			},
			wantAsk: true,
		},
		{
			name:  "invalid response",
			heard: heard{text: "hi"},
			conv:  &fakeConversation{reply: "<assistant>", invalid: errors.New("invalid response")},
			want:  OutcomeInvalid,
			wantDisplay: []string{
				"Thinking... Model#1\n'llama3.2:3b'\nPrompt: hi",
				MsgResponseInvalid,
			},
			wantAsk: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness([]heard{tt.heard}, tt.conv, nil)

			if got := h.loop.Turn(context.Background()); got != tt.want {
				t.Fatalf("Turn() = %q, want %q", got, tt.want)
			}
			if got := h.display.all(); fmt.Sprint(got) != fmt.Sprint(tt.wantDisplay) {
				t.Errorf("display = %q, want %q", got, tt.wantDisplay)
			}
			if spoken := h.speaker.all(); len(spoken) != 0 {
				t.Errorf("spoke %q on a dropped turn", spoken)
			}
			if (len(tt.conv.prompts) > 0) != tt.wantAsk {
				t.Errorf("asked = %v, want %v", tt.conv.prompts, tt.wantAsk)
			}
			if h.commands.calls != 0 || len(h.emotes.responses) != 0 {
				t.Error("dispatchers ran on a dropped turn")
			}
		})
	}
}

func TestGreet(t *testing.T) {
	h := newHarness(nil, &fakeConversation{reply: "Hi *everyone*"}, nil)
	h.loop.Greet(context.Background())

	want := "Hello, I'm Tigerbee! Hi everyone"
	if got := h.speaker.all(); len(got) != 1 || got[0] != want {
		t.Errorf("spoken = %q, want %q", got, want)
	}
	if got := h.display.all(); len(got) != 1 || got[0] != want {
		t.Errorf("display = %q, want %q", got, want)
	}
	if len(h.conv.prompts) != 1 || h.conv.prompts[0] != "." {
		t.Errorf("prompts = %q, want [\".\"]", h.conv.prompts)
	}
}

func TestGreetBackendDown(t *testing.T) {
	h := newHarness(nil, &fakeConversation{err: errors.New("down")}, nil)
	h.loop.Greet(context.Background())

	if got := h.speaker.all(); len(got) != 1 || got[0] != "Hello, I'm Tigerbee!" {
		t.Errorf("spoken = %q", got)
	}
}

type panickyCommands struct{}

func (panickyCommands) Dispatch(context.Context, string, string) []string {
	panic("boom")
}

func TestRunSurvivesPanicsUntilCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	listener := &countingListener{cancelAfter: 3, cancel: cancel}
	l := New(Components{
		Listener:     listener,
		Screener:     wordScreen{},
		Conversation: &fakeConversation{reply: "ok"},
		Speaker:      &recorder{},
		Display:      &recorder{},
		Commands:     panickyCommands{},
		Emotes:       &fakeEmotes{},
	}, Config{}, nil, nil)

	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run() = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if listener.calls < 3 {
		t.Errorf("listener calls = %d, want at least 3", listener.calls)
	}
}

type countingListener struct {
	mu          sync.Mutex
	calls       int
	cancelAfter int
	cancel      context.CancelFunc
}

func (l *countingListener) Listen(context.Context, time.Duration, time.Duration) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	if l.calls >= l.cancelAfter {
		l.cancel()
	}
	return "hello", nil
}

type memRecorder struct {
	recs []usage.Record
}

func (r *memRecorder) Record(_ context.Context, rec usage.Record) error {
	r.recs = append(r.recs, rec)
	return nil
}

func TestTurnRecordsHistory(t *testing.T) {
	h := newHarness([]heard{{text: "hi"}, {text: "badword"}, {err: speech.ErrNoSpeech}}, &fakeConversation{reply: "Hello!"}, nil)
	rec := &memRecorder{}
	h.loop.c.Recorder = rec

	for range 3 {
		h.loop.Turn(context.Background())
	}

	if len(rec.recs) != 2 {
		t.Fatalf("records = %d, want 2 (no record without speech)", len(rec.recs))
	}
	first := rec.recs[0]
	if first.Outcome != string(OutcomeComplete) || first.Model != "llama3.2:3b" || first.ModelIndex != 1 {
		t.Errorf("first record = %+v", first)
	}
	if first.PromptChars != 2 || first.ResponseChars != 6 {
		t.Errorf("first record sizes = %d/%d, want 2/6", first.PromptChars, first.ResponseChars)
	}
	if rec.recs[1].Outcome != string(OutcomeFilteredInput) {
		t.Errorf("second outcome = %q, want %q", rec.recs[1].Outcome, OutcomeFilteredInput)
	}
}
