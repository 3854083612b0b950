// Package speech handles the agent's voice: recognizing what was said
// and turning replies into played audio. Recognition and synthesis are
// delegated to external commands or, for console use, to lines of
// text read from a terminal.
package speech

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

// ErrNoSpeech is returned when nothing intelligible was heard before
// the timeout.
var ErrNoSpeech = errors.New("no speech recognized")

// RecognitionError reports a failure of the recognizer itself. Like
// ErrNoSpeech it only discards the current turn.
type RecognitionError struct {
	Err error
}

func (e *RecognitionError) Error() string {
	return fmt.Sprintf("speech recognition: %v", e.Err)
}

func (e *RecognitionError) Unwrap() error { return e.Err }

// Listener captures one utterance. timeout bounds the wait for speech
// to begin; phraseLimit bounds how long a phrase may run.
type Listener interface {
	Listen(ctx context.Context, timeout, phraseLimit time.Duration) (string, error)
}

// LineListener treats each line read from a terminal as an utterance.
// It also serves operator prompts: while a prompt is waiting, Listen
// leaves input alone so a two-factor code is never heard as speech.
type LineListener struct {
	r    *bufio.Reader
	once sync.Once
	// lines is closed when the reader is exhausted.
	lines chan lineResult
	// turn holds one token; whoever owns it may consume lines.
	turn      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

type lineResult struct {
	text string
	err  error
}

// NewLineListener reads utterances from r.
func NewLineListener(r io.Reader) *LineListener {
	return &LineListener{
		r:     bufio.NewReader(r),
		lines: make(chan lineResult),
		turn:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
}

// Close releases the reader goroutine once it has a line to hand off.
// A read already blocked on r stays blocked until r returns.
func (l *LineListener) Close() error {
	l.closeOnce.Do(func() { close(l.done) })
	return nil
}

func (l *LineListener) start() {
	l.once.Do(func() {
		go func() {
			defer close(l.lines)
			for {
				line, err := l.r.ReadString('\n')
				if line != "" || err == nil {
					if !l.deliver(lineResult{text: line}) {
						return
					}
				}
				if err != nil {
					if !errors.Is(err, io.EOF) {
						l.deliver(lineResult{err: err})
					}
					return
				}
			}
		}()
	})
}

func (l *LineListener) deliver(res lineResult) bool {
	select {
	case l.lines <- res:
		return true
	case <-l.done:
		return false
	}
}

// Listen waits up to timeout for a line. A blank line, a timeout, an
// exhausted reader, or a pending Prompt yield ErrNoSpeech; phraseLimit
// does not apply to typed input.
func (l *LineListener) Listen(ctx context.Context, timeout, _ time.Duration) (string, error) {
	l.start()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case l.turn <- struct{}{}:
		defer func() { <-l.turn }()
	default:
		return "", pace(ctx, timer)
	}

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-timer.C:
		return "", ErrNoSpeech
	case res, ok := <-l.lines:
		if !ok {
			// Reader exhausted: pace the caller instead of spinning.
			return "", pace(ctx, timer)
		}
		if res.err != nil {
			return "", &RecognitionError{Err: res.err}
		}
		text := strings.TrimSpace(res.text)
		if text == "" {
			return "", ErrNoSpeech
		}
		return text, nil
	}
}

func pace(ctx context.Context, timer *time.Timer) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return ErrNoSpeech
	}
}

// Prompt writes question to w and returns the next non-empty line,
// waiting as long as ctx allows. Listen yields to it until it returns.
func (l *LineListener) Prompt(ctx context.Context, w io.Writer, question string) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case l.turn <- struct{}{}:
	}
	defer func() { <-l.turn }()

	l.start()
	fmt.Fprint(w, question)

	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case res, ok := <-l.lines:
			if !ok {
				return "", io.ErrUnexpectedEOF
			}
			if res.err != nil {
				return "", res.err
			}
			if text := strings.TrimSpace(res.text); text != "" {
				return text, nil
			}
		}
	}
}

// CommandListener runs an external recognizer once per utterance and
// reads the transcript from its standard output. Arguments may use the
// placeholders {timeout} and {phrase_limit}, substituted with seconds.
type CommandListener struct {
	argv []string
	run  runFunc
}

// NewCommandListener creates a listener running argv.
func NewCommandListener(argv []string) (*CommandListener, error) {
	if len(argv) == 0 {
		return nil, errors.New("recognizer command is empty")
	}
	return &CommandListener{argv: argv, run: runCommand}, nil
}

// Listen runs the recognizer. An empty transcript is ErrNoSpeech; a
// failed command is a *RecognitionError.
func (c *CommandListener) Listen(ctx context.Context, timeout, phraseLimit time.Duration) (string, error) {
	vars := map[string]string{
		"{timeout}":      seconds(timeout),
		"{phrase_limit}": seconds(phraseLimit),
	}

	// The recognizer gets both windows plus slack to finish decoding.
	ctx, cancel := context.WithTimeout(ctx, timeout+phraseLimit+30*time.Second)
	defer cancel()

	out, err := c.run(ctx, expand(c.argv, vars))
	if err != nil {
		if ctx.Err() != nil && errors.Is(ctx.Err(), context.Canceled) {
			return "", ctx.Err()
		}
		return "", &RecognitionError{Err: err}
	}

	text := strings.TrimSpace(string(out))
	if text == "" {
		return "", ErrNoSpeech
	}
	return text, nil
}

func seconds(d time.Duration) string {
	return fmt.Sprintf("%g", d.Seconds())
}
