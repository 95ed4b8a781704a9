package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	logging "gopkg.in/op/go-logging.v1"

	"github.com/meshlink/meshlink/identity"
	"github.com/meshlink/meshlink/link"
)

// ErrRejected is returned by Connect when the server answers REJECT.
var ErrRejected = errors.New("session: connect rejected")

// RejectedError carries the numeric code and reason a REJECT gave.
type RejectedError struct {
	Code   byte
	Reason string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("session: rejected (code %d): %s", e.Code, e.Reason)
}

func (e *RejectedError) Unwrap() error { return ErrRejected }

// ErrDisconnected is returned by pending Client calls once the session or
// its link has gone away.
var ErrDisconnected = errors.New("session: disconnected")

// pendingCall tracks one in-flight COMMAND_REQUEST awaiting its response.
type pendingCall struct {
	resultCh chan commandResponseMsg
}

// Client drives the client side of a command session atop an ACTIVE
// link: Connect performs the CONNECT/ACCEPT handshake, then Execute
// multiplexes COMMAND_REQUEST/COMMAND_RESPONSE pairs by request id.
type Client struct {
	*endpoint

	identity *identity.Identity
	log      *logging.Logger

	acceptCh chan acceptOrReject
	ackCh    chan uint64

	mu        sync.Mutex
	sessionID [identity.AddressSize]byte
	nextReqID uint64
	pending   map[uint64]*pendingCall
	closed    bool
}

type acceptOrReject struct {
	accepted  bool
	sessionID [identity.AddressSize]byte
	reject    rejectMsg
}

// NewClient wraps an already-Active link for command-session use. id is
// the caller's identity, whose proof-of-possession signature is what the
// server binds the session to (§4.10).
func NewClient(l *link.Link, id *identity.Identity, log *logging.Logger) *Client {
	c := &Client{
		endpoint: newEndpoint(l, log),
		identity: id,
		log:      log,
		acceptCh: make(chan acceptOrReject, 1),
		ackCh:    make(chan uint64, 1),
		pending:  make(map[uint64]*pendingCall),
	}
	l.SetReceiveHandler(c.onReceive)
	l.SetCloseHandler(c.onLinkClosed)
	go c.runKeepalive(c.onIdleTimeout)
	return c
}

// Connect performs the CONNECT/ACCEPT handshake and returns the assigned
// session id, or a *RejectedError if the server declined it.
func (c *Client) Connect(ctx context.Context) ([identity.AddressSize]byte, error) {
	var sessionID [identity.AddressSize]byte
	linkID := c.l.ID()
	sig, err := c.identity.Sign(linkID[:])
	if err != nil {
		return sessionID, err
	}

	var cm connectMsg
	cm.Version = ProtocolVersion
	copy(cm.ClientPub[:], c.identity.PublicBytes())
	copy(cm.Sig[:], sig)

	if err := c.sendMessage(ctx, MsgConnect, encodeConnect(cm)); err != nil {
		return sessionID, err
	}

	select {
	case res := <-c.acceptCh:
		if !res.accepted {
			return sessionID, &RejectedError{Code: res.reject.Code, Reason: res.reject.Reason}
		}
		c.mu.Lock()
		c.sessionID = res.sessionID
		c.mu.Unlock()
		return res.sessionID, nil
	case <-ctx.Done():
		return sessionID, ctx.Err()
	}
}

// Execute sends a COMMAND_REQUEST and blocks for its COMMAND_RESPONSE,
// timing out (from the caller's own ctx) rather than the server's
// policy timeout, which only bounds executor dispatch.
func (c *Client) Execute(ctx context.Context, req CommandRequest) (CommandResult, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return CommandResult{}, ErrDisconnected
	}
	c.nextReqID++
	reqID := c.nextReqID
	call := &pendingCall{resultCh: make(chan commandResponseMsg, 1)}
	c.pending[reqID] = call
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, reqID)
		c.mu.Unlock()
	}()

	msg := commandRequestMsg{
		ReqID:       reqID,
		Command:     req.Command,
		Args:        req.Args,
		Env:         req.Env,
		TimeoutSecs: uint32(req.TimeoutSecs),
		WorkingDir:  req.WorkingDir,
	}
	if err := c.sendMessage(ctx, MsgCommandRequest, encodeCommandRequest(msg)); err != nil {
		return CommandResult{}, err
	}

	select {
	case resp := <-call.resultCh:
		return CommandResult{
			Stdout:    resp.Stdout,
			Stderr:    resp.Stderr,
			ExitCode:  resp.ExitCode,
			Status:    resp.Status,
			ElapsedMs: resp.ElapsedMs,
		}, nil
	case <-ctx.Done():
		return CommandResult{}, ctx.Err()
	}
}

// Disconnect sends DISCONNECT, waits briefly for the server's ACK, and
// closes the underlying link. The server always ACKs a DISCONNECT before
// tearing its own side down, so waiting here avoids a race where the link
// closes before the peer has processed the notification.
func (c *Client) Disconnect(ctx context.Context) error {
	_ = c.sendMessage(ctx, MsgDisconnect, encodeDisconnect(disconnectMsg{Reason: "client disconnect"}))
	select {
	case <-c.ackCh:
	case <-ctx.Done():
	case <-c.stopCh:
	}
	return c.l.Close(ctx)
}

func (c *Client) onReceive(chunk []byte) {
	t, payload, ok, err := c.feed(chunk)
	if err != nil {
		if c.log != nil {
			c.log.Warningf("session: client framing error, closing: %v", err)
		}
		_ = c.l.Close(context.Background())
		return
	}
	if !ok {
		return
	}
	c.touch()

	switch t {
	case MsgAccept:
		am, err := decodeAccept(payload)
		if err != nil {
			return
		}
		select {
		case c.acceptCh <- acceptOrReject{accepted: true, sessionID: am.SessionID}:
		default:
		}
	case MsgReject:
		rm, err := decodeReject(payload)
		if err != nil {
			return
		}
		select {
		case c.acceptCh <- acceptOrReject{accepted: false, reject: rm}:
		default:
		}
	case MsgCommandResponse:
		resp, err := decodeCommandResponse(payload)
		if err != nil {
			return
		}
		c.mu.Lock()
		call, ok := c.pending[resp.ReqID]
		c.mu.Unlock()
		if ok {
			call.resultCh <- resp
		}
	case MsgDisconnect:
		_ = c.l.Close(context.Background())
	case MsgAck:
		msgID, err := decodeAck(payload)
		if err != nil {
			return
		}
		select {
		case c.ackCh <- msgID:
		default:
		}
	case MsgPing:
		c.onPing(context.Background(), payload)
	case MsgPong:
		c.onPong()
	}
}

func (c *Client) onLinkClosed(link.CloseReason) {
	c.stop()
	c.mu.Lock()
	c.closed = true
	for _, call := range c.pending {
		select {
		case call.resultCh <- commandResponseMsg{Status: StatusError, ExitCode: -1}:
		default:
		}
	}
	c.mu.Unlock()
}

func (c *Client) onIdleTimeout() {
	_ = c.sendMessage(context.Background(), MsgDisconnect, encodeDisconnect(disconnectMsg{
		Code:   RejectInternalError,
		Reason: "idle timeout",
	}))
	c.l.CloseTimeout()
}
