package speech

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

// Artifact is a synthesized audio file ready for playback.
type Artifact struct {
	Path string
}

// Synthesizer renders text to audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (Artifact, error)
}

// Player starts playback and returns without waiting for it to end.
type Player interface {
	Play(a Artifact) error
}

type runFunc func(ctx context.Context, argv []string) ([]byte, error)

func runCommand(ctx context.Context, argv []string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return out, fmt.Errorf("%s: %w: %s", filepath.Base(argv[0]), err, msg)
		}
		return out, fmt.Errorf("%s: %w", filepath.Base(argv[0]), err)
	}
	return out, nil
}

// expand substitutes placeholders in every argument.
func expand(argv []string, vars map[string]string) []string {
	out := make([]string, len(argv))
	for i, a := range argv {
		for k, v := range vars {
			a = strings.ReplaceAll(a, k, v)
		}
		out[i] = a
	}
	return out
}

// CommandSynthesizer runs an external text-to-speech command. Each call
// writes a new numbered file in dir so a clip still playing is never
// overwritten. Arguments may use {text} and {out}.
type CommandSynthesizer struct {
	argv []string
	dir  string
	ext  string
	run  runFunc

	mu sync.Mutex
	n  int
}

// NewCommandSynthesizer creates a synthesizer writing files with
// extension ext (for example ".wav") into dir.
func NewCommandSynthesizer(argv []string, dir, ext string) (*CommandSynthesizer, error) {
	if len(argv) == 0 {
		return nil, errors.New("synthesizer command is empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create audio directory: %w", err)
	}
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return &CommandSynthesizer{argv: argv, dir: dir, ext: ext, run: runCommand}, nil
}

func (s *CommandSynthesizer) next() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return filepath.Join(s.dir, strconv.Itoa(s.n)+s.ext)
}

// Synthesize renders text into the next numbered file.
func (s *CommandSynthesizer) Synthesize(ctx context.Context, text string) (Artifact, error) {
	out := s.next()
	argv := expand(s.argv, map[string]string{"{text}": text, "{out}": out})
	if _, err := s.run(ctx, argv); err != nil {
		return Artifact{}, fmt.Errorf("synthesize: %w", err)
	}
	return Artifact{Path: out}, nil
}

// CommandPlayer plays artifacts with an external command. Arguments may
// use {file}.
type CommandPlayer struct {
	argv   []string
	logger *slog.Logger
	start  func(argv []string) error
}

// NewCommandPlayer creates a player running argv.
func NewCommandPlayer(argv []string, logger *slog.Logger) (*CommandPlayer, error) {
	if len(argv) == 0 {
		return nil, errors.New("player command is empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &CommandPlayer{argv: argv, logger: logger}
	p.start = p.startCommand
	return p, nil
}

// Play starts the player and returns once the process is running.
func (p *CommandPlayer) Play(a Artifact) error {
	return p.start(expand(p.argv, map[string]string{"{file}": a.Path}))
}

func (p *CommandPlayer) startCommand(argv []string) error {
	cmd := exec.Command(argv[0], argv[1:]...)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start player: %w", err)
	}
	go func() {
		if err := cmd.Wait(); err != nil {
			p.logger.Debug("player exited", "file", argv[len(argv)-1], "error", err)
		}
	}()
	return nil
}

// Notifier shows a short status line to the room.
type Notifier interface {
	Send(text string)
}

// Speaker announces, synthesizes, and plays a line of speech.
type Speaker struct {
	synth  Synthesizer
	player Player
	notify Notifier
	logger *slog.Logger
}

// NewSpeaker wires a synthesizer and player together. notify may be nil.
func NewSpeaker(synth Synthesizer, player Player, notify Notifier, logger *slog.Logger) *Speaker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Speaker{synth: synth, player: player, notify: notify, logger: logger}
}

// SpeakableText rewrites text for the synthesizer.
func SpeakableText(text string) string {
	return strings.ReplaceAll(text, ":", " colon ")
}

// Speak renders text and starts playback. Synthesis and playback
// failures are logged; speech is never worth ending a turn over.
func (s *Speaker) Speak(ctx context.Context, text string) {
	if s == nil || s.synth == nil {
		return
	}
	if s.notify != nil {
		s.notify.Send("Generating Text to Speech...")
	}

	art, err := s.synth.Synthesize(ctx, SpeakableText(text))
	if err != nil {
		s.logger.Warn("speech synthesis failed", "error", err)
		return
	}
	if s.player == nil {
		return
	}
	if err := s.player.Play(art); err != nil {
		s.logger.Warn("speech playback failed", "file", art.Path, "error", err)
	}
}
