package transport

import (
	"context"
	"sync"
)

const pairQueueDepth = 64

// Pair returns two connected in-memory Interfaces, a and b, such that every
// packet sent on a arrives at b's Receive and vice versa. Used by tests that
// need a real Interface without a network or an overlay bridge.
func Pair(nameA, nameB string) (a, b Interface) {
	abCh := make(chan []byte, pairQueueDepth)
	baCh := make(chan []byte, pairQueueDepth)

	pa := &memInterface{name: nameA, send: abCh, recv: baCh, closed: make(chan struct{})}
	pb := &memInterface{name: nameB, send: baCh, recv: abCh, closed: make(chan struct{})}
	return pa, pb
}

// memInterface is the in-memory Interface implementation backing Pair.
type memInterface struct {
	name string
	send chan<- []byte
	recv <-chan []byte

	mu       sync.Mutex
	closed   chan struct{}
	isClosed bool
}

func (m *memInterface) Name() string { return m.name }
func (m *memInterface) MTU() int     { return MinMTU }
func (m *memInterface) Bitrate() int { return 10_000_000 }
func (m *memInterface) Mode() Mode   { return ModeFull }
func (m *memInterface) Online() bool { return !m.isClosedLocked() }

func (m *memInterface) isClosedLocked() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isClosed
}

func (m *memInterface) Send(ctx context.Context, data []byte) error {
	if m.isClosedLocked() {
		return ErrClosed
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	select {
	case m.send <- buf:
		return nil
	case <-m.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
		// Non-blocking fast path exhausted the queue; fall back to a
		// blocking send so a slow receiver causes backpressure rather
		// than a silent drop, but still honor cancellation and closure.
		select {
		case m.send <- buf:
			return nil
		case <-m.closed:
			return ErrClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (m *memInterface) Receive(ctx context.Context) ([]byte, error) {
	select {
	case data, ok := <-m.recv:
		if !ok {
			return nil, ErrClosed
		}
		return data, nil
	case <-m.closed:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *memInterface) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.isClosed {
		return nil
	}
	m.isClosed = true
	close(m.closed)
	return nil
}
