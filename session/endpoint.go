package session

import (
	"context"
	"sync"
	"time"

	logging "gopkg.in/op/go-logging.v1"

	"github.com/meshlink/meshlink/link"
)

const (
	// pingIdleAfter and pingInterval implement §4.10: "PING/PONG are sent
	// after 60s of link idleness; three consecutive unanswered PINGs
	// (10s each) -> DISCONNECT and link close with reason Timeout."
	pingIdleAfter      = 60 * time.Second
	pingInterval       = 10 * time.Second
	maxUnansweredPings = 3
)

// endpoint holds the framing and keepalive state shared by Server and
// Client: both sides watch the same idle clock and must serialize their
// own outgoing chunk stream so two concurrently framed messages can't
// interleave on the wire.
type endpoint struct {
	l   *link.Link
	log *logging.Logger

	sendMu sync.Mutex
	asmMu  sync.Mutex
	asm    frameAssembler

	mu           sync.Mutex
	lastActivity time.Time
	pongSeen     bool
	pingNonce    uint64

	stopCh   chan struct{}
	stopOnce sync.Once
}

func newEndpoint(l *link.Link, log *logging.Logger) *endpoint {
	return &endpoint{
		l:            l,
		log:          log,
		asm:          newFrameAssembler(),
		lastActivity: time.Now(),
		stopCh:       make(chan struct{}),
	}
}

// touch marks genuine application-level traffic (CONNECT/ACCEPT/REJECT/
// COMMAND_*/DISCONNECT/ACK), which is what the 60s idle clock measures.
// PING/PONG deliberately do not call this: they are the idle-driven
// heartbeat, not evidence the link stopped being idle.
func (e *endpoint) touch() {
	e.mu.Lock()
	e.lastActivity = time.Now()
	e.mu.Unlock()
}

func (e *endpoint) stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
}

// sendMessage frames msg and writes it to the link as one or more chunks,
// holding sendMu for the whole message so no other goroutine's frame can
// interleave with it.
func (e *endpoint) sendMessage(ctx context.Context, t MessageType, payload []byte) error {
	frame, err := buildFrame(t, payload)
	if err != nil {
		return err
	}
	e.sendMu.Lock()
	defer e.sendMu.Unlock()
	for off := 0; off < len(frame); off += maxChunk {
		end := off + maxChunk
		if end > len(frame) {
			end = len(frame)
		}
		if err := e.l.Send(ctx, frame[off:end]); err != nil {
			return err
		}
	}
	return nil
}

// feed reassembles one inbound chunk, serialized against concurrent
// calls (the link only ever invokes the receive handler from one
// goroutine at a time, but feed is also safe to call from the keepalive
// path for symmetry).
func (e *endpoint) feed(chunk []byte) (MessageType, []byte, bool, error) {
	e.asmMu.Lock()
	defer e.asmMu.Unlock()
	return e.asm.Feed(chunk)
}

func (e *endpoint) sendPing(ctx context.Context) {
	e.mu.Lock()
	e.pingNonce++
	nonce := e.pingNonce
	e.mu.Unlock()
	if err := e.sendMessage(ctx, MsgPing, encodePingPong(nonce)); err != nil && e.log != nil {
		e.log.Debugf("session: ping send failed: %v", err)
	}
}

func (e *endpoint) onPong() {
	e.mu.Lock()
	e.pongSeen = true
	e.mu.Unlock()
}

func (e *endpoint) onPing(ctx context.Context, payload []byte) {
	nonce, err := decodePingPong(payload)
	if err != nil {
		return
	}
	_ = e.sendMessage(ctx, MsgPong, encodePingPong(nonce))
}

// runKeepalive implements the 60s-idle / 3x10s-unanswered watchdog. It
// runs for the lifetime of the endpoint; onTimeout is invoked at most
// once, after which runKeepalive returns.
func (e *endpoint) runKeepalive(onTimeout func()) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	unanswered := 0
	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.mu.Lock()
			idle := time.Since(e.lastActivity)
			answered := e.pongSeen
			e.pongSeen = false
			e.mu.Unlock()

			if answered {
				unanswered = 0
				continue
			}
			if unanswered == 0 && idle < pingIdleAfter {
				continue
			}
			unanswered++
			if unanswered > maxUnansweredPings {
				onTimeout()
				return
			}
			e.sendPing(context.Background())
		}
	}
}
