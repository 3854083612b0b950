package speech

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestLineListener(t *testing.T) {
	l := NewLineListener(strings.NewReader("  go forward  \n\nhello\n"))
	ctx := context.Background()

	got, err := l.Listen(ctx, time.Second, 6*time.Second)
	if err != nil || got != "go forward" {
		t.Fatalf("Listen() = %q, %v", got, err)
	}

	if _, err := l.Listen(ctx, time.Second, 0); !errors.Is(err, ErrNoSpeech) {
		t.Errorf("blank line: err = %v, want ErrNoSpeech", err)
	}

	if got, err := l.Listen(ctx, time.Second, 0); err != nil || got != "hello" {
		t.Errorf("Listen() = %q, %v", got, err)
	}

	if _, err := l.Listen(ctx, 10*time.Millisecond, 0); !errors.Is(err, ErrNoSpeech) {
		t.Errorf("exhausted reader: err = %v, want ErrNoSpeech", err)
	}
}

func TestLineListenerTimeout(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	l := NewLineListener(pr)

	start := time.Now()
	_, err := l.Listen(context.Background(), 20*time.Millisecond, 0)
	if !errors.Is(err, ErrNoSpeech) {
		t.Errorf("err = %v, want ErrNoSpeech", err)
	}
	if time.Since(start) < 20*time.Millisecond {
		t.Error("Listen returned before the timeout")
	}
}

func TestLineListenerCancel(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	l := NewLineListener(pr)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := l.Listen(ctx, time.Minute, 0); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

type errReader struct{}

func (errReader) Read([]byte) (int, error) { return 0, errors.New("device unplugged") }

func TestLineListenerReadError(t *testing.T) {
	l := NewLineListener(errReader{})
	_, err := l.Listen(context.Background(), time.Second, 0)
	var re *RecognitionError
	if !errors.As(err, &re) {
		t.Fatalf("err = %v, want *RecognitionError", err)
	}
}

func TestPrompt(t *testing.T) {
	l := NewLineListener(strings.NewReader("\n123456\n"))
	var out bytes.Buffer

	code, err := l.Prompt(context.Background(), &out, "2FA Code: ")
	if err != nil || code != "123456" {
		t.Errorf("Prompt() = %q, %v", code, err)
	}
	if out.String() != "2FA Code: " {
		t.Errorf("prompt written = %q", out.String())
	}
}

type signalWriter struct {
	bytes.Buffer
	wrote chan struct{}
}

func (w *signalWriter) Write(p []byte) (int, error) {
	n, err := w.Buffer.Write(p)
	close(w.wrote)
	return n, err
}

func TestPromptHoldsInputFromListen(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	l := NewLineListener(pr)
	defer l.Close()

	out := &signalWriter{wrote: make(chan struct{})}
	type answer struct {
		code string
		err  error
	}
	got := make(chan answer, 1)
	go func() {
		code, err := l.Prompt(context.Background(), out, "2FA Code: ")
		got <- answer{code, err}
	}()
	<-out.wrote

	// While the prompt waits, a listen turn hears nothing.
	if _, err := l.Listen(context.Background(), 20*time.Millisecond, 0); !errors.Is(err, ErrNoSpeech) {
		t.Fatalf("Listen during prompt: err = %v, want ErrNoSpeech", err)
	}

	go io.WriteString(pw, "654321\n")
	select {
	case a := <-got:
		if a.err != nil || a.code != "654321" {
			t.Errorf("Prompt() = %q, %v", a.code, a.err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Prompt did not receive the typed code")
	}
}

func TestLineListenerCloseReleasesReader(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	l := NewLineListener(strings.NewReader("one\ntwo\nthree\n"))
	if got, err := l.Listen(context.Background(), time.Second, 0); err != nil || got != "one" {
		t.Fatalf("Listen() = %q, %v", got, err)
	}
	// Nobody listens for "two"; Close must unblock the reader anyway.
	l.Close()
}

func TestCommandListener(t *testing.T) {
	tests := []struct {
		name    string
		out     string
		err     error
		want    string
		wantErr error
	}{
		{name: "transcript", out: "hello bot\n", want: "hello bot"},
		{name: "empty", out: "  \n", wantErr: ErrNoSpeech},
		{name: "failure", err: errors.New("exit status 1"), wantErr: &RecognitionError{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := NewCommandListener([]string{"stt", "--timeout", "{timeout}", "--limit={phrase_limit}"})
			if err != nil {
				t.Fatal(err)
			}
			var argv []string
			c.run = func(_ context.Context, a []string) ([]byte, error) {
				argv = a
				return []byte(tt.out), tt.err
			}

			got, err := c.Listen(context.Background(), 1500*time.Millisecond, 6*time.Second)
			if want := []string{"stt", "--timeout", "1.5", "--limit=6"}; !slices.Equal(argv, want) {
				t.Errorf("argv = %q, want %q", argv, want)
			}
			switch want := tt.wantErr.(type) {
			case nil:
				if err != nil || got != tt.want {
					t.Errorf("Listen() = %q, %v", got, err)
				}
			case *RecognitionError:
				if !errors.As(err, &want) {
					t.Errorf("err = %v, want *RecognitionError", err)
				}
			default:
				if !errors.Is(err, want) {
					t.Errorf("err = %v, want %v", err, want)
				}
			}
		})
	}
}

func TestNewCommandListenerEmpty(t *testing.T) {
	if _, err := NewCommandListener(nil); err == nil {
		t.Error("expected error for empty command")
	}
}

type notes struct{ sent []string }

func (n *notes) Send(s string) { n.sent = append(n.sent, s) }

type playRecorder struct{ played []string }

func (p *playRecorder) Play(a Artifact) error {
	p.played = append(p.played, a.Path)
	return nil
}

func TestSpeakerNumbersFilesAndRewritesColons(t *testing.T) {
	dir := t.TempDir()
	synth, err := NewCommandSynthesizer([]string{"tts", "-o", "{out}", "{text}"}, dir, "wav")
	if err != nil {
		t.Fatal(err)
	}
	var calls [][]string
	synth.run = func(_ context.Context, argv []string) ([]byte, error) {
		calls = append(calls, argv)
		return nil, nil
	}

	player := &playRecorder{}
	n := &notes{}
	s := NewSpeaker(synth, player, n, slog.New(slog.DiscardHandler))

	s.Speak(context.Background(), "time: now")
	s.Speak(context.Background(), "again")

	want := []string{filepath.Join(dir, "1.wav"), filepath.Join(dir, "2.wav")}
	if !slices.Equal(player.played, want) {
		t.Errorf("played = %q, want %q", player.played, want)
	}
	if calls[0][3] != "time colon  now" {
		t.Errorf("synthesized text = %q", calls[0][3])
	}
	if len(n.sent) != 2 || n.sent[0] != "Generating Text to Speech..." {
		t.Errorf("notices = %q", n.sent)
	}
}

func TestSpeakerSynthesisFailureSkipsPlayback(t *testing.T) {
	synth, _ := NewCommandSynthesizer([]string{"tts"}, t.TempDir(), ".wav")
	synth.run = func(context.Context, []string) ([]byte, error) {
		return nil, errors.New("no voice")
	}
	player := &playRecorder{}

	NewSpeaker(synth, player, nil, slog.New(slog.DiscardHandler)).Speak(context.Background(), "hi")

	if len(player.played) != 0 {
		t.Errorf("played %q after synthesis failure", player.played)
	}
}

func TestNilSpeaker(t *testing.T) {
	var s *Speaker
	s.Speak(context.Background(), "hi")
}

func TestCommandPlayerExpandsFile(t *testing.T) {
	p, err := NewCommandPlayer([]string{"play", "-q", "{file}"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	var got []string
	p.start = func(argv []string) error {
		got = argv
		return nil
	}
	if err := p.Play(Artifact{Path: "/tmp/3.wav"}); err != nil {
		t.Fatal(err)
	}
	if want := []string{"play", "-q", "/tmp/3.wav"}; !slices.Equal(got, want) {
		t.Errorf("argv = %q, want %q", got, want)
	}
}
