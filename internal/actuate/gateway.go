// Package actuate sends fire-and-forget OSC control messages to the
// avatar client. The transport has no acknowledgment: send failures are
// logged at debug level and never reported to callers, since losing one
// in-world action must never stall the agent.
package actuate

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"
)

// Well-known OSC addresses understood by the avatar client.
const (
	InputJump         = "/input/Jump"
	InputMoveForward  = "/input/MoveForward"
	InputMoveBackward = "/input/MoveBackward"
	InputLookLeft     = "/input/LookLeft"
	InputLookRight    = "/input/LookRight"
	AvatarEmote       = "/avatar/parameters/VRCEmote"
	ChatboxInput      = "/chatbox/input"
)

// DefaultAddress is the avatar client's local OSC input endpoint.
const DefaultAddress = "127.0.0.1:9000"

// Gateway writes OSC messages to a single UDP endpoint. It is safe for
// concurrent use; each message is a single datagram write.
type Gateway struct {
	conn   net.Conn
	logger *slog.Logger
	hold   func(time.Duration)
}

// Dial opens a UDP "connection" to addr. No packets are exchanged, so
// this only fails on malformed addresses or local socket errors.
func Dial(addr string, logger *slog.Logger) (*Gateway, error) {
	if addr == "" {
		addr = DefaultAddress
	}
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := net.Dial("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial osc endpoint %s: %w", addr, err)
	}
	return &Gateway{conn: conn, logger: logger, hold: holdFor}, nil
}

// Close releases the UDP socket.
func (g *Gateway) Close() error {
	return g.conn.Close()
}

// Send writes one OSC message with the given arguments.
func (g *Gateway) Send(address string, args ...any) {
	msg, err := encodeMessage(address, args...)
	if err != nil {
		g.logger.Debug("osc encode failed", "address", address, "error", err)
		return
	}
	g.logger.Log(context.Background(), slog.Level(-8), "osc send", "address", address, "args", args) // config.LevelTrace
	if _, err := g.conn.Write(msg); err != nil {
		g.logger.Debug("osc send failed", "address", address, "error", err)
	}
}

// Discrete sends a single integer value to address.
func (g *Gateway) Discrete(address string, value int) {
	g.Send(address, value)
}

// Pulse sends 1 to address, holds for d, then sends 0. The hold always
// runs to completion once started. A zero duration produces an instant
// on/off pair.
func (g *Gateway) Pulse(address string, d time.Duration) {
	g.Send(address, 1)
	if d > 0 {
		g.hold(d)
	}
	g.Send(address, 0)
}

// holdFor blocks for d on a runtime timer, which measures on the
// monotonic clock.
func holdFor(d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	<-t.C
}
