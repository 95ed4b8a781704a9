package transport

import (
	"bufio"
	"context"
	"net"
	"sync"
)

// TCPInterface is a stream-oriented direct TCP transport, HDLC-framed per
// §4.9: every Send call writes one delimited frame, and an internal read
// loop unframes the stream into whole packets for Receive.
type TCPInterface struct {
	name string
	conn net.Conn
	mode Mode

	mu       sync.Mutex
	writeMu  sync.Mutex
	isClosed bool

	inbox  chan []byte
	errs   chan error
	closed chan struct{}
}

// NewTCPInterface wraps an already-established net.Conn (dialed or
// accepted by the caller) as a packet-oriented Interface.
func NewTCPInterface(name string, conn net.Conn, mode Mode) *TCPInterface {
	t := &TCPInterface{
		name:   name,
		conn:   conn,
		mode:   mode,
		inbox:  make(chan []byte, pairQueueDepth),
		errs:   make(chan error, 1),
		closed: make(chan struct{}),
	}
	go t.readLoop()
	return t
}

func (t *TCPInterface) readLoop() {
	r := bufio.NewReaderSize(t.conn, 4096)
	var framer HDLCReader
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			for _, pkt := range framer.Feed(buf[:n]) {
				select {
				case t.inbox <- pkt:
				case <-t.closed:
					return
				}
			}
		}
		if err != nil {
			select {
			case t.errs <- err:
			default:
			}
			close(t.inbox)
			return
		}
	}
}

func (t *TCPInterface) Name() string { return t.name }
func (t *TCPInterface) MTU() int     { return MinMTU }
func (t *TCPInterface) Bitrate() int { return 1_000_000 }
func (t *TCPInterface) Mode() Mode   { return t.mode }

func (t *TCPInterface) Online() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.isClosed
}

func (t *TCPInterface) Send(ctx context.Context, data []byte) error {
	if !t.Online() {
		return ErrClosed
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_, err := t.conn.Write(HDLCEncode(data))
	return err
}

func (t *TCPInterface) Receive(ctx context.Context) ([]byte, error) {
	select {
	case data, ok := <-t.inbox:
		if !ok {
			return nil, ErrClosed
		}
		return data, nil
	case <-t.closed:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *TCPInterface) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.isClosed {
		return nil
	}
	t.isClosed = true
	close(t.closed)
	return t.conn.Close()
}
