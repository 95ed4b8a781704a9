// Package transport defines the interface abstraction of §4.9: a capability
// set {send, receive, mtu, mode, online} that every concrete transport
// (in-memory pair, SAM datagram, TCP-framed) implements, plus the HDLC-style
// framing stream transports layer on top of it. Grounded on the teacher's
// server/internal/listener pattern of a plain Go interface consumed by the
// routing core, rather than a class hierarchy.
package transport

import (
	"context"
	"errors"
)

// MinMTU is the minimum hardware MTU an Interface may report; the packet
// codec's 500-byte wire format does not fit in less.
const MinMTU = 500

// Mode is the interface's operating mode, informational metadata the
// routing core uses to bias path selection and announce propagation.
type Mode uint8

const (
	ModeFull Mode = iota
	ModePointToPoint
	ModeAccessPoint
	ModeRoaming
	ModeBoundary
	ModeGateway
)

func (m Mode) String() string {
	switch m {
	case ModeFull:
		return "full"
	case ModePointToPoint:
		return "point-to-point"
	case ModeAccessPoint:
		return "access-point"
	case ModeRoaming:
		return "roaming"
	case ModeBoundary:
		return "boundary"
	case ModeGateway:
		return "gateway"
	default:
		return "unknown"
	}
}

// ErrBackpressure is returned by Send when the interface's outbound queue is
// full; the caller must surface it, never drop the packet silently.
var ErrBackpressure = errors.New("transport: send queue full")

// ErrClosed is returned by Send/Receive after Close.
var ErrClosed = errors.New("transport: interface closed")

// Interface is the capability set every concrete transport exposes. All
// methods must be safe for concurrent use; Receive is expected to be called
// from a single per-interface receive loop, per §5.
type Interface interface {
	// Name identifies the interface in logs, metrics, and quarantine state.
	Name() string

	// Send transmits one packet. data must already be ≤ MTU(); Send never
	// fragments. Returns ErrBackpressure if the outbound queue is full,
	// ErrClosed if the interface has been closed.
	Send(ctx context.Context, data []byte) error

	// Receive blocks for the next inbound packet, or returns ctx.Err() if
	// ctx is cancelled first, or ErrClosed after Close.
	Receive(ctx context.Context) ([]byte, error)

	// MTU is this interface's hardware MTU; always ≥ MinMTU.
	MTU() int

	// Bitrate is the nominal bitrate in bits/sec, informational only; the
	// routing core uses it to bias windowing decisions.
	Bitrate() int

	// Mode reports the interface's operating mode.
	Mode() Mode

	// Online reports whether the interface currently believes it can send.
	Online() bool

	// Close releases any underlying resources. Send/Receive return
	// ErrClosed afterward.
	Close() error
}
