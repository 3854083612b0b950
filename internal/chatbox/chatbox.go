// Package chatbox renders status and response text into the avatar's
// in-world chat bubble.
package chatbox

import (
	"log/slog"

	"github.com/nugget/tigerbee/internal/actuate"
)

const (
	// Delimiter separates the title line from the message body. The
	// avatar client renders a vertical tab as a line break.
	Delimiter = "\v"

	// truncateOver is the formatted length above which messages are cut.
	truncateOver = 131
	// truncatedLen is the total length of a cut message, ellipsis included.
	truncatedLen = 140
	ellipsis     = "..."
)

// Sender delivers an OSC message. *actuate.Gateway satisfies it.
type Sender interface {
	Send(address string, args ...any)
}

// Display is the chat display channel.
type Display struct {
	title  string
	out    Sender
	logger *slog.Logger
}

// New creates a Display that prefixes every message with title.
func New(title string, out Sender, logger *slog.Logger) *Display {
	if logger == nil {
		logger = slog.Default()
	}
	return &Display{title: title, out: out, logger: logger}
}

// Send formats text and pushes it to the chat bubble immediately,
// bypassing the client's keyboard and suppressing its notification
// sound.
func (d *Display) Send(text string) {
	d.logger.Info("chatbox", "message", text)
	d.out.Send(actuate.ChatboxInput, Format(d.title, text), true, false)
}

// Format joins title and text with [Delimiter]. Results longer than 131
// characters are cut to 137 characters plus a three-character ellipsis,
// 140 in total; results of 132 to 136 characters keep every character
// and gain the ellipsis, ending between 135 and 139. Lengths count runes
// so multi-byte titles are never split mid-character.
func Format(title, text string) string {
	msg := title + Delimiter + text
	runes := []rune(msg)
	if len(runes) <= truncateOver {
		return msg
	}
	keep := truncatedLen - len(ellipsis)
	if len(runes) < keep {
		keep = len(runes)
	}
	return string(runes[:keep]) + ellipsis
}
