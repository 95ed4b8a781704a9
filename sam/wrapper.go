package sam

import (
	"context"
	"crypto/sha256"
	"errors"
	"sync"

	"github.com/meshlink/meshlink/transport"
	"github.com/meshlink/meshlink/wire"
)

// ErrUnroutable is the taxonomy's UnroutableError: the destination packet
// passed to Send names no known full SAM destination.
var ErrUnroutable = errors.New("sam: unroutable destination")

const addressSize = 16

// Wrapper exposes a Client as a transport.Interface, maintaining the
// address16 → full_dest_base64 map named in §4.8: populated by hashing
// inbound sender destinations and by explicit pre-registration before the
// first outbound send to a known peer. Because the uniform Interface
// contract's Send takes only the encoded wire packet, Wrapper decodes it to
// recover the destination hash to resolve against the map — every other
// concrete Interface ignores the packet's contents, but SAM's
// datagram-per-destination model requires it.
type Wrapper struct {
	name   string
	client *Client

	mu   sync.RWMutex
	byID map[[addressSize]byte]string
}

// NewWrapper wraps client as a named Interface.
func NewWrapper(name string, client *Client) *Wrapper {
	return &Wrapper{
		name:   name,
		client: client,
		byID:   make(map[[addressSize]byte]string),
	}
}

// Register pre-associates a 16-byte address with its full base64
// destination, for sending to a peer before any datagram has been received
// from it.
func (w *Wrapper) Register(addr [addressSize]byte, fullDest string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.byID[addr] = fullDest
}

func addressOf(fullDest string) [addressSize]byte {
	sum := sha256.Sum256([]byte(fullDest))
	var addr [addressSize]byte
	copy(addr[:], sum[:addressSize])
	return addr
}

func (w *Wrapper) Name() string         { return w.name }
func (w *Wrapper) MTU() int             { return transport.MinMTU }
func (w *Wrapper) Bitrate() int         { return 32_000 }
func (w *Wrapper) Mode() transport.Mode { return transport.ModeBoundary }
func (w *Wrapper) Online() bool         { return true }

// Send decodes data's destination hash and transmits it to the
// corresponding full SAM destination. Returns ErrUnroutable if the
// destination has no known mapping (no prior Receive, no explicit
// Register), per P12.
func (w *Wrapper) Send(ctx context.Context, data []byte) error {
	pkt, err := wire.Decode(data)
	if err != nil {
		return err
	}
	dest := pkt.DestinationHash()

	w.mu.RLock()
	full, ok := w.byID[dest]
	w.mu.RUnlock()
	if !ok {
		return ErrUnroutable
	}
	return w.client.DatagramSend(ctx, full, data)
}

// Receive blocks for the next inbound datagram, records the sender's
// address16 → full destination mapping, and returns the raw packet bytes.
func (w *Wrapper) Receive(ctx context.Context) ([]byte, error) {
	sender, payload, err := w.client.DatagramReceive(ctx)
	if err != nil {
		return nil, err
	}
	w.mu.Lock()
	w.byID[addressOf(sender)] = sender
	w.mu.Unlock()
	return payload, nil
}

// Close closes the underlying SAM control connection.
func (w *Wrapper) Close() error { return w.client.Close() }
