package session

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	logging "gopkg.in/op/go-logging.v1"

	"github.com/meshlink/meshlink/identity"
	"github.com/meshlink/meshlink/link"
)

// ErrValidation marks a COMMAND_REQUEST rejected before executor
// dispatch (P11): empty command, NUL in an argument, or ".." in the
// working directory.
var ErrValidation = errors.New("session: invalid command request")

// inboundFrame is a fully reassembled message queued for the server's
// single processing goroutine, which serializes command dispatch the way
// §5 describes a link as single-owner: one task per session, no shared
// mutable state between concurrent requests.
type inboundFrame struct {
	t       MessageType
	payload []byte
}

// Server drives one server-held command session atop a single ACTIVE
// link: CONNECT handshake against Policy, then COMMAND_REQUEST dispatch
// to Executor until DISCONNECT, an idle PING/PONG timeout, or the link
// itself closing.
type Server struct {
	*endpoint

	policy   Policy
	exec     Executor
	registry *Registry
	log      *logging.Logger

	inbox chan inboundFrame

	established bool
	sessionID   [identity.AddressSize]byte
	clientAddr  [identity.AddressSize]byte
}

// NewServer starts serving CONNECT/COMMAND_REQUEST traffic on l. l must
// already be Active (typically handed straight to the onAccept callback
// of link.Listen).
func NewServer(l *link.Link, policy Policy, exec Executor, registry *Registry, log *logging.Logger) *Server {
	s := &Server{
		endpoint: newEndpoint(l, log),
		policy:   policy,
		exec:     exec,
		registry: registry,
		log:      log,
		inbox:    make(chan inboundFrame, 64),
	}
	l.SetReceiveHandler(s.onReceive)
	l.SetCloseHandler(s.onLinkClosed)
	go s.runLoop()
	go s.runKeepalive(s.onIdleTimeout)
	return s
}

// onReceive runs synchronously on the link's delivery path; it must not
// block, so it only reassembles and hands complete frames to runLoop.
func (s *Server) onReceive(chunk []byte) {
	t, payload, ok, err := s.feed(chunk)
	if err != nil {
		if s.log != nil {
			s.log.Warningf("session: framing error, closing: %v", err)
		}
		_ = s.l.Close(context.Background())
		return
	}
	if !ok {
		return
	}
	select {
	case s.inbox <- inboundFrame{t: t, payload: payload}:
	default:
		if s.log != nil {
			s.log.Warning("session: server inbox full, dropping frame")
		}
	}
}

func (s *Server) onLinkClosed(link.CloseReason) {
	s.stop()
	if s.established {
		s.registry.Remove(s.sessionID)
	}
}

func (s *Server) onIdleTimeout() {
	_ = s.sendMessage(context.Background(), MsgDisconnect, encodeDisconnect(disconnectMsg{
		Code:   RejectInternalError,
		Reason: "idle timeout",
	}))
	s.l.CloseTimeout()
}

func (s *Server) runLoop() {
	for {
		select {
		case <-s.stopCh:
			return
		case f := <-s.inbox:
			s.touch()
			s.dispatch(f.t, f.payload)
		}
	}
}

func (s *Server) dispatch(t MessageType, payload []byte) {
	switch t {
	case MsgConnect:
		s.handleConnect(payload)
	case MsgCommandRequest:
		if s.established {
			s.handleCommandRequest(payload)
		}
	case MsgDisconnect:
		s.handleDisconnect()
	case MsgPing:
		s.onPing(context.Background(), payload)
	case MsgPong:
		s.onPong()
	default:
		if s.log != nil {
			s.log.Debugf("session: server ignoring unexpected %s before/after CONNECT", t)
		}
	}
}

func (s *Server) handleConnect(payload []byte) {
	if s.established {
		s.reject(RejectMalformed, "already connected")
		return
	}

	cm, err := decodeConnect(payload)
	if err != nil {
		s.reject(RejectMalformed, "malformed CONNECT")
		return
	}
	if cm.Version != ProtocolVersion {
		s.reject(RejectVersionMismatch, "unsupported protocol version")
		return
	}

	clientID, err := identity.FromPublicBytes(cm.ClientPub[:])
	if err != nil {
		s.reject(RejectMalformed, "malformed client identity")
		return
	}
	linkID := s.l.ID()
	if !clientID.Verify(linkID[:], cm.Sig[:]) {
		s.reject(RejectMalformed, "client identity proof does not verify")
		return
	}

	addr := clientID.Address()
	if !s.policy.allows(addr) {
		s.reject(RejectClientNotAllowed, "client not allowed")
		return
	}

	var sessionID [identity.AddressSize]byte
	if _, err := rand.Read(sessionID[:]); err != nil {
		s.reject(RejectInternalError, "session id generation failed")
		return
	}
	if !s.registry.Admit(s.policy.MaxSessions, sessionID, addr, linkID) {
		s.reject(RejectSessionCapReached, "max sessions reached")
		return
	}

	s.sessionID = sessionID
	s.clientAddr = addr
	s.established = true
	_ = s.sendMessage(context.Background(), MsgAccept, encodeAccept(acceptMsg{SessionID: sessionID}))
}

func (s *Server) reject(code byte, reason string) {
	_ = s.sendMessage(context.Background(), MsgReject, encodeReject(rejectMsg{Code: code, Reason: reason}))
	_ = s.l.Close(context.Background())
}

func (s *Server) handleDisconnect() {
	if s.established {
		s.registry.Remove(s.sessionID)
		s.established = false
	}
	_ = s.sendMessage(context.Background(), MsgAck, encodeAck(0))
	_ = s.l.Close(context.Background())
}

func (s *Server) handleCommandRequest(payload []byte) {
	req, err := decodeCommandRequest(payload)
	if err != nil {
		return
	}

	if verr := validateCommandRequest(req); verr != nil {
		s.respond(commandResponseMsg{
			ReqID:    req.ReqID,
			Status:   StatusError,
			ExitCode: -1,
			Stderr:   []byte(verr.Error()),
		})
		return
	}

	timeout := s.policy.CommandTimeout
	if req.TimeoutSecs != 0 {
		timeout = time.Duration(req.TimeoutSecs) * time.Second
	}

	// Command dispatch runs off the processing goroutine so a long
	// command can't stall CONNECT/PING handling for other traffic that
	// might still arrive (DISCONNECT, PING replies).
	go s.runCommand(req, timeout)
}

func (s *Server) runCommand(req commandRequestMsg, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	start := time.Now()
	result, err := s.exec.Execute(ctx, CommandRequest{
		Command:     req.Command,
		Args:        req.Args,
		Env:         req.Env,
		TimeoutSecs: uint64(timeout / time.Second),
		WorkingDir:  req.WorkingDir,
	})
	if err != nil {
		status := StatusError
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			status = StatusTimeout
		}
		result = CommandResult{Status: status, ExitCode: -1, Stderr: []byte(err.Error())}
	}
	if result.ElapsedMs == 0 {
		result.ElapsedMs = uint64(time.Since(start) / time.Millisecond)
	}

	s.respond(commandResponseMsg{
		ReqID:     req.ReqID,
		Status:    result.Status,
		ExitCode:  result.ExitCode,
		ElapsedMs: result.ElapsedMs,
		Stdout:    result.Stdout,
		Stderr:    result.Stderr,
	})
}

func (s *Server) respond(m commandResponseMsg) {
	if err := s.sendMessage(context.Background(), MsgCommandResponse, encodeCommandResponse(m)); err != nil && s.log != nil {
		s.log.Warningf("session: failed to send COMMAND_RESPONSE for req %d: %v", m.ReqID, err)
	}
}

// validateCommandRequest enforces P11 before the request ever reaches the
// executor collaborator.
func validateCommandRequest(req commandRequestMsg) error {
	if req.Command == "" {
		return fmt.Errorf("%w: empty command", ErrValidation)
	}
	for _, a := range req.Args {
		if strings.IndexByte(a, 0) >= 0 {
			return fmt.Errorf("%w: NUL byte in argument", ErrValidation)
		}
	}
	if req.WorkingDir != "" {
		clean := path.Clean(strings.ReplaceAll(req.WorkingDir, "\\", "/"))
		for _, part := range strings.Split(clean, "/") {
			if part == ".." {
				return fmt.Errorf("%w: working directory must not contain ..", ErrValidation)
			}
		}
	}
	return nil
}
