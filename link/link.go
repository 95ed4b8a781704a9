// Package link implements the forward-secret link state machine of §4.6: the
// three-packet handshake (LINKREQUEST/PROOF/RTT), HKDF-derived per-link
// Token cipher keys, keepalive/RTT tracking, and teardown. Grounded on the
// teacher's core/wire.Session: an atomically-guarded state field, a
// mutex-protected derived key, and explicit Initialize/SendCommand/RecvCommand
// steps generalized here to Dial/Listen and Send/receive over the mesh's own
// packet transport instead of a raw net.Conn.
package link

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	logging "gopkg.in/op/go-logging.v1"

	"github.com/meshlink/meshlink/crypto"
	"github.com/meshlink/meshlink/identity"
	"github.com/meshlink/meshlink/internal/instrument"
	"github.com/meshlink/meshlink/internal/zerobuf"
	"github.com/meshlink/meshlink/routing"
	"github.com/meshlink/meshlink/wire"
)

// State is a Link's position in the state machine of §4.6.
type State int32

const (
	Pending State = iota
	Handshake
	Active
	Stale
	Closed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Handshake:
		return "handshake"
	case Active:
		return "active"
	case Stale:
		return "stale"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// CloseReason records why a Link reached the Closed state.
type CloseReason int

const (
	NotClosed CloseReason = iota
	LocalClosed
	PeerClosed
	Timeout
)

func (r CloseReason) String() string {
	switch r {
	case LocalClosed:
		return "local-closed"
	case PeerClosed:
		return "peer-closed"
	case Timeout:
		return "timeout"
	default:
		return "not-closed"
	}
}

// HandshakeTimeout bounds how long Dial waits for a PROOF before failing
// with ErrTimeout (§5: "link handshake 15 s").
const HandshakeTimeout = 15 * time.Second

const (
	// linkRequestKeysSize is the two fixed 32-byte public keys carried by
	// a LINKREQUEST payload, ahead of any optional application data.
	linkRequestKeysSize = crypto.X25519PublicKeySize + ed25519.PublicKeySize

	dataContextNormal    byte = 0x00
	dataContextRTTAck    byte = 0x01
	dataContextLinkClose byte = 0x02
	dataContextKeepalive byte = 0x03
)

var (
	// ErrTimeout is the taxonomy's TimeoutError for a handshake that did
	// not complete within HandshakeTimeout.
	ErrTimeout = errors.New("link: handshake timed out")

	// ErrClosed is returned by Send/Close on a Link that already reached
	// Closed; per §3 a closed Link never reopens.
	ErrClosed = errors.New("link: already closed")

	// ErrNotActive is returned by Send on a Link that has not yet
	// completed its handshake.
	ErrNotActive = errors.New("link: not active")
)

// keepaliveRatio and keepalive bounds implement §4.6's formula:
// interval = clamp(rtt * (360/1.75), 5s, 360s).
const (
	keepaliveRatio = 360.0 / 1.75
	keepaliveMin   = 5 * time.Second
	keepaliveMax   = 360 * time.Second
)

func keepaliveFor(rtt time.Duration) time.Duration {
	iv := time.Duration(float64(rtt) * keepaliveRatio)
	if iv < keepaliveMin {
		return keepaliveMin
	}
	if iv > keepaliveMax {
		return keepaliveMax
	}
	return iv
}

// Link is a bidirectional, forward-secret encrypted channel between two
// destinations. Per §5 each Link is owned by a single task that serializes
// its own state transitions; external callers use the exported methods
// rather than mutating fields directly.
type Link struct {
	id           [identity.AddressSize]byte
	destAddr     [identity.AddressSize]byte
	initiator    bool
	peerIdentity *identity.Identity // set on the initiator only; always nil on the responder

	core *routing.Core
	log  *logging.Logger
	met  *instrument.Metrics

	ephX25519Priv *crypto.X25519PrivateKey
	ephX25519Pub  crypto.X25519PublicKey
	ephEd25519Pub ed25519.PublicKey
	ephEd25519Priv ed25519.PrivateKey

	// peerEphEd25519Pub is the other side's ephemeral Ed25519 public key,
	// learned from the LINKREQUEST (responder's view) or the PROOF
	// (initiator's view). It authenticates a LinkClose from that peer
	// symmetrically, since neither side's long-term identity is provably
	// tied to app traffic on an established link (§4.6).
	peerEphEd25519Pub ed25519.PublicKey

	state atomic.Int32

	mu           sync.Mutex
	derivedKey   [crypto.TokenKeySize]byte
	rtt          time.Duration
	keepaliveIv  time.Duration
	lastActivity time.Time
	closeReason  CloseReason
	requestSent  time.Time

	proofCh chan struct{} // closed once a valid PROOF has been processed
	activeCh chan struct{} // closed once ACTIVE is reached

	onReceive func([]byte)
	onClose   func(CloseReason)

	stopKeepalive chan struct{}
	stopOnce      sync.Once

	authFailCount atomic.Int32
}

// ID returns the link's 16-byte identifier.
func (l *Link) ID() [identity.AddressSize]byte { return l.id }

// State returns the link's current state.
func (l *Link) State() State { return State(l.state.Load()) }

// RTT returns the most recently measured round-trip time.
func (l *Link) RTT() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rtt
}

// CloseReason returns why the link closed, or NotClosed if it hasn't.
func (l *Link) CloseReason() CloseReason {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closeReason
}

// SetReceiveHandler installs the callback invoked with each decrypted
// application payload delivered over this link. Must be called before
// traffic is expected; typically installed by the command-session layer
// immediately after Dial/accept returns.
func (l *Link) SetReceiveHandler(f func([]byte)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onReceive = f
}

// SetCloseHandler adds a callback invoked once, when the link transitions
// to Closed for any reason. Multiple callers (a Stack tracking open links
// and the command-session layer tearing down its own state) may each
// install one; all of them run, in installation order.
func (l *Link) SetCloseHandler(f func(CloseReason)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	prev := l.onClose
	if prev == nil {
		l.onClose = f
		return
	}
	l.onClose = func(reason CloseReason) {
		prev(reason)
		f(reason)
	}
}

// computeLinkID must match routing.Core.registerLinkRoute's formula
// exactly: SHA256(initiator's 64-byte X25519||Ed25519 public halves ||
// destination address)[:16]. The two packages can't share the helper
// without an import cycle (link depends on routing), so it is duplicated
// deliberately, as noted in routing/core.go.
func computeLinkID(initiatorPubs []byte, destAddr [identity.AddressSize]byte) [identity.AddressSize]byte {
	sum := crypto.SHA256(initiatorPubs, destAddr[:])
	var id [identity.AddressSize]byte
	copy(id[:], sum[:identity.AddressSize])
	return id
}

// Dial initiates a link to a SINGLE destination bound to peerIdentity,
// reachable at destAddr, per §4.6's PENDING row: it generates an ephemeral
// X25519+Ed25519 keypair, sends a LINKREQUEST, and blocks for a valid PROOF
// before deriving link keys and completing the handshake with an RTT
// packet. It returns once the link is Active.
func Dial(ctx context.Context, core *routing.Core, log *logging.Logger, met *instrument.Metrics, peerIdentity *identity.Identity, destAddr [identity.AddressSize]byte, appData []byte) (*Link, error) {
	ephX25519, err := crypto.NewX25519Keypair(rand.Reader)
	if err != nil {
		return nil, err
	}
	ephEdPub, ephEdPriv, err := crypto.NewEd25519Keypair(rand.Reader)
	if err != nil {
		return nil, err
	}
	ephX25519Pub := *ephX25519.PublicKey()

	pubs := make([]byte, 0, linkRequestKeysSize)
	pubs = append(pubs, ephX25519Pub.Bytes()...)
	pubs = append(pubs, ephEdPub...)

	id := computeLinkID(pubs, destAddr)

	l := &Link{
		id:             id,
		destAddr:       destAddr,
		initiator:      true,
		peerIdentity:   peerIdentity,
		core:           core,
		log:            log,
		met:            met,
		ephX25519Priv:  ephX25519,
		ephX25519Pub:   ephX25519Pub,
		ephEd25519Pub:  ephEdPub,
		ephEd25519Priv: ephEdPriv,
		proofCh:        make(chan struct{}),
		activeCh:       make(chan struct{}),
		stopKeepalive:  make(chan struct{}),
	}
	l.state.Store(int32(Pending))

	// A LINKREQUEST is addressed to destAddr like any other routed packet:
	// Send needs a path table entry for it before it can leave this node.
	// Nothing in this protocol causes a responder to broadcast a path of
	// its own accord, so this either hits an entry a prior announce (or a
	// test) already installed, or blocks out to PathRequestTimeout.
	if err := core.RequestPath(ctx, destAddr); err != nil {
		return nil, err
	}

	core.RegisterLocalDestination(id, l.deliver)

	payload := make([]byte, 0, linkRequestKeysSize+len(appData))
	payload = append(payload, pubs...)
	payload = append(payload, appData...)

	pkt := &wire.Packet{
		HeaderType: wire.HeaderType1,
		DestType:   wire.DestLink,
		PacketType: wire.PacketLinkRequest,
		Addresses:  [][identity.AddressSize]byte{destAddr},
		Payload:    payload,
	}

	l.mu.Lock()
	l.requestSent = time.Now()
	l.mu.Unlock()

	if err := core.Send(ctx, pkt); err != nil {
		core.UnregisterLocalDestination(id)
		return nil, err
	}

	deadline := time.NewTimer(HandshakeTimeout)
	defer deadline.Stop()
	select {
	case <-l.proofCh:
	case <-deadline.C:
		l.forceClose(Timeout)
		return nil, ErrTimeout
	case <-ctx.Done():
		l.forceClose(Timeout)
		return nil, ctx.Err()
	}

	select {
	case <-l.activeCh:
	case <-ctx.Done():
		l.forceClose(Timeout)
		return nil, ctx.Err()
	}

	return l, nil
}

// proofFixedSize is a PROOF payload's two fixed public keys ahead of its
// trailing signature: the responder's ephemeral X25519 key (used to derive
// this link's Token keys) and its ephemeral Ed25519 key (used to
// authenticate a later LinkClose from the responder, mirroring the
// initiator's own ephemeral Ed25519 key carried in the LINKREQUEST).
const proofFixedSize = crypto.X25519PublicKeySize + ed25519.PublicKeySize

// handleProof processes an inbound PROOF while Pending, verifying the
// signature against the expected peer identity, deriving link keys via
// ECDH+HKDF, installing the reverse route back to the responder over the
// interface the PROOF arrived on, and advancing to Handshake then sending
// the RTT packet that completes the handshake into Active (§4.6 rows 2-3,
// P7).
func (l *Link) handleProof(ifaceName string, pkt *wire.Packet) {
	if l.State() != Pending {
		return
	}
	const proofLen = proofFixedSize + ed25519.SignatureSize
	if len(pkt.Payload) != proofLen {
		l.protocolDrop()
		return
	}

	var responderX25519Pub crypto.X25519PublicKey
	if err := responderX25519Pub.FromBytes(pkt.Payload[:crypto.X25519PublicKeySize]); err != nil {
		l.protocolDrop()
		return
	}
	responderEphEd25519Pub := ed25519.PublicKey(pkt.Payload[crypto.X25519PublicKeySize:proofFixedSize])
	sig := pkt.Payload[proofFixedSize:]

	signed := make([]byte, 0, linkRequestKeysSize+proofFixedSize)
	signed = append(signed, l.ephX25519Pub.Bytes()...)
	signed = append(signed, l.ephEd25519Pub...)
	signed = append(signed, responderX25519Pub.Bytes()...)
	signed = append(signed, responderEphEd25519Pub...)

	if l.peerIdentity == nil || !l.peerIdentity.Verify(signed, sig) {
		l.authFailure()
		return
	}

	shared := l.ephX25519Priv.ECDH(&responderX25519Pub)
	derived, err := crypto.DeriveHKDF(l.id[:], shared, nil, crypto.TokenKeySize)
	if err != nil {
		l.protocolDrop()
		return
	}

	// The LINKREQUEST only earns the responder a route back to destAddr,
	// not to the link id itself (registerLinkRoute keys off the packet it
	// actually saw). Mirror that here for the initiator's own side, or
	// every later packet addressed by link id — starting with the RTT-ack
	// below — has nowhere to go.
	l.core.RegisterPath(l.id, ifaceName, routing.LinkRouteTTL)

	l.mu.Lock()
	copy(l.derivedKey[:], derived)
	l.peerEphEd25519Pub = responderEphEd25519Pub
	rtt := time.Since(l.requestSent)
	l.rtt = rtt
	l.keepaliveIv = keepaliveFor(rtt)
	l.mu.Unlock()

	l.setState(Handshake)
	close(l.proofCh)

	var ms [4]byte
	binary.BigEndian.PutUint32(ms[:], uint32(rtt.Milliseconds()))
	if err := l.sendDataContext(context.Background(), dataContextRTTAck, ms[:]); err != nil {
		l.forceClose(Timeout)
		return
	}

	l.becomeActive(rtt)
}

// Listen registers destAddr as an in-bound SINGLE destination that accepts
// LINKREQUESTs, invoking onAccept once per newly established Link. localID
// must hold the private key bound to destAddr so it can sign PROOFs.
func Listen(core *routing.Core, log *logging.Logger, met *instrument.Metrics, localID *identity.Identity, destAddr [identity.AddressSize]byte, onAccept func(*Link)) {
	core.RegisterLocalDestination(destAddr, func(_ string, pkt *wire.Packet) {
		if pkt.PacketType != wire.PacketLinkRequest {
			return
		}
		if len(pkt.Payload) < linkRequestKeysSize {
			return
		}

		var initiatorX25519Pub crypto.X25519PublicKey
		if err := initiatorX25519Pub.FromBytes(pkt.Payload[:crypto.X25519PublicKeySize]); err != nil {
			return
		}
		initiatorEd25519Pub := ed25519.PublicKey(pkt.Payload[crypto.X25519PublicKeySize:linkRequestKeysSize])

		id := computeLinkID(pkt.Payload[:linkRequestKeysSize], destAddr)

		ephX25519, err := crypto.NewX25519Keypair(rand.Reader)
		if err != nil {
			return
		}
		ephX25519Pub := *ephX25519.PublicKey()

		shared := ephX25519.ECDH(&initiatorX25519Pub)
		derived, err := crypto.DeriveHKDF(id[:], shared, nil, crypto.TokenKeySize)
		if err != nil {
			return
		}

		// The responder needs an ephemeral Ed25519 key of its own, symmetric
		// to the initiator's, so it can later sign its own LinkClose the
		// same way the initiator signs its (see Close/handlePeerClose): the
		// PROOF's signature below is made with localID, the link's own
		// long-term key, and proves nothing once this Link's identity-bound
		// PROOF exchange is over.
		ephEdPub, ephEdPriv, err := crypto.NewEd25519Keypair(rand.Reader)
		if err != nil {
			return
		}

		l := &Link{
			id:                 id,
			destAddr:           destAddr,
			initiator:          false,
			core:               core,
			log:                log,
			met:                met,
			ephX25519Priv:      ephX25519,
			ephX25519Pub:       ephX25519Pub,
			ephEd25519Pub:      ephEdPub,
			ephEd25519Priv:     ephEdPriv,
			peerEphEd25519Pub:  initiatorEd25519Pub,
			proofCh:            make(chan struct{}),
			activeCh:           make(chan struct{}),
			stopKeepalive:      make(chan struct{}),
		}
		copy(l.derivedKey[:], derived)
		close(l.proofCh) // responder never waits on its own PROOF
		l.state.Store(int32(Pending))

		signed := make([]byte, 0, linkRequestKeysSize+proofFixedSize)
		signed = append(signed, initiatorX25519Pub.Bytes()...)
		signed = append(signed, initiatorEd25519Pub...)
		signed = append(signed, ephX25519Pub.Bytes()...)
		signed = append(signed, ephEdPub...)
		sig, err := localID.Sign(signed)
		if err != nil {
			return
		}

		proofPayload := make([]byte, 0, proofFixedSize+ed25519.SignatureSize)
		proofPayload = append(proofPayload, ephX25519Pub.Bytes()...)
		proofPayload = append(proofPayload, ephEdPub...)
		proofPayload = append(proofPayload, sig...)

		proofPkt := &wire.Packet{
			HeaderType: wire.HeaderType1,
			DestType:   wire.DestLink,
			PacketType: wire.PacketProof,
			Addresses:  [][identity.AddressSize]byte{id},
			Payload:    proofPayload,
		}

		// registerLinkRoute already installed a path table entry for id,
		// mapping it back to the interface this LINKREQUEST arrived on,
		// as a side effect of the routing core relaying/delivering it.
		core.RegisterLocalDestination(id, l.deliver)

		l.setState(Handshake)

		if err := core.Send(context.Background(), proofPkt); err != nil {
			l.forceClose(Timeout)
			return
		}

		onAccept(l)
	})
}

// handleRTTAck (responder side) completes the handshake once the
// initiator's RTT packet arrives, recording the RTT value the initiator
// measured and transitioning to Active (§4.6 row 3, symmetrically on the
// responder since only the initiator has a send-time reference).
func (l *Link) handleRTTAck(payload []byte) {
	if l.State() != Handshake {
		return
	}
	if len(payload) != 4 {
		l.protocolDrop()
		return
	}
	ms := binary.BigEndian.Uint32(payload)
	rtt := time.Duration(ms) * time.Millisecond

	l.mu.Lock()
	l.rtt = rtt
	l.keepaliveIv = keepaliveFor(rtt)
	l.mu.Unlock()

	l.becomeActive(rtt)
}

func (l *Link) becomeActive(rtt time.Duration) {
	l.mu.Lock()
	l.lastActivity = time.Now()
	l.mu.Unlock()

	l.setState(Active)
	close(l.activeCh)
	go l.keepaliveLoop()
}

// deliver is registered with the routing core as the delivery function for
// this link's address; it dispatches by packet type, and deliverData then
// dispatches DATA packets by their context byte.
func (l *Link) deliver(ifaceName string, pkt *wire.Packet) {
	switch pkt.PacketType {
	case wire.PacketProof:
		l.handleProof(ifaceName, pkt)
	case wire.PacketData:
		l.deliverData(pkt)
	default:
		l.protocolDrop()
	}
}

func (l *Link) deliverData(pkt *wire.Packet) {
	if !pkt.ContextSet {
		l.protocolDrop()
		return
	}

	if pkt.Context == dataContextKeepalive {
		l.touchActivity()
		return
	}

	switch pkt.Context {
	case dataContextRTTAck:
		l.handleRTTAck(pkt.Payload)
	case dataContextLinkClose:
		l.handlePeerClose(pkt.Payload)
	case dataContextNormal:
		l.handleApplicationData(pkt.Payload)
	default:
		l.protocolDrop()
	}
}

func (l *Link) touchActivity() {
	if l.State() == Stale {
		l.setState(Active)
	}
	l.mu.Lock()
	l.lastActivity = time.Now()
	l.mu.Unlock()
}

func (l *Link) handleApplicationData(ciphertext []byte) {
	if l.State() != Active && l.State() != Stale {
		return
	}
	l.mu.Lock()
	key := l.derivedKey
	l.lastActivity = time.Now()
	handler := l.onReceive
	l.mu.Unlock()

	if l.State() == Stale {
		l.setState(Active)
	}

	plaintext, err := crypto.TokenDecrypt(key[:], ciphertext)
	if err != nil {
		if l.met != nil {
			l.met.AuthErrors.WithLabelValues("link").Inc()
		}
		l.repeatedAuthFailure()
		return
	}
	if handler != nil {
		handler(plaintext)
	}
}

func (l *Link) handlePeerClose(payload []byte) {
	l.mu.Lock()
	peerKey := l.peerEphEd25519Pub
	l.mu.Unlock()

	if peerKey != nil {
		if len(payload) != ed25519.SignatureSize || !ed25519.Verify(peerKey, l.id[:], payload) {
			l.protocolDrop()
			return
		}
	}
	l.finishClose(PeerClosed)
}

// Send transmits an application payload over the link, Token-encrypted
// under the link's derived keys. The link must be Active.
func (l *Link) Send(ctx context.Context, payload []byte) error {
	switch l.State() {
	case Closed:
		return ErrClosed
	case Active, Stale:
	default:
		return ErrNotActive
	}

	l.mu.Lock()
	key := l.derivedKey
	l.mu.Unlock()

	ciphertext, err := crypto.TokenEncrypt(key[:], payload)
	if err != nil {
		return err
	}
	return l.sendDataContext(ctx, dataContextNormal, ciphertext)
}

func (l *Link) sendDataContext(ctx context.Context, ctxByte byte, payload []byte) error {
	pkt := &wire.Packet{
		HeaderType: wire.HeaderType1,
		DestType:   wire.DestLink,
		ContextSet: true,
		PacketType: wire.PacketData,
		Addresses:  [][identity.AddressSize]byte{l.id},
		Context:    ctxByte,
		Payload:    payload,
	}
	// lastActivity tracks inbound traffic only (see deliverData/touchActivity);
	// an outgoing send by itself doesn't prove the peer is still there.
	return l.core.Send(ctx, pkt)
}

// Close tears down the link locally, signing a LinkClose message with the
// link's ephemeral Ed25519 key so the peer can authenticate the closer,
// and transitions to Closed(LocalClosed). Per §3, once Closed a Link never
// reopens.
func (l *Link) Close(ctx context.Context) error {
	if l.State() == Closed {
		return ErrClosed
	}
	var sig []byte
	if l.ephEd25519Priv != nil {
		sig = ed25519.Sign(l.ephEd25519Priv, l.id[:])
	}
	_ = l.sendDataContext(ctx, dataContextLinkClose, sig)
	l.finishClose(LocalClosed)
	return nil
}

func (l *Link) forceClose(reason CloseReason) {
	l.finishClose(reason)
}

// CloseTimeout tears the link down with CloseReason Timeout, for layers
// above the link (the command session's PING/PONG idle watchdog) that
// detect unresponsiveness the link's own RTT-derived keepalive did not
// catch. Unlike Close it sends no LinkClose notification: the peer is
// presumed unreachable.
func (l *Link) CloseTimeout() {
	if l.State() == Closed {
		return
	}
	l.forceClose(Timeout)
}

func (l *Link) finishClose(reason CloseReason) {
	l.stopOnce.Do(func() {
		close(l.stopKeepalive)
	})
	l.core.UnregisterLocalDestination(l.id)

	l.mu.Lock()
	l.closeReason = reason
	zerobuf.ExplicitBzero(l.derivedKey[:])
	if l.ephX25519Priv != nil {
		l.ephX25519Priv.Reset()
	}
	handler := l.onClose
	l.mu.Unlock()

	l.setState(Closed)
	if handler != nil {
		handler(reason)
	}
}

func (l *Link) setState(s State) {
	l.state.Store(int32(s))
	if l.met != nil {
		l.met.LinkStateTransitions.WithLabelValues(s.String()).Inc()
	}
}

func (l *Link) protocolDrop() {
	if l.met != nil {
		l.met.PacketsDropped.WithLabelValues("link-protocol").Inc()
	}
}

func (l *Link) authFailure() {
	if l.met != nil {
		l.met.AuthErrors.WithLabelValues("link-handshake").Inc()
	}
}

// repeatedAuthCap is the number of Token authentication failures on one
// Active link before the link is closed outright, per §7: "only AuthError
// closes the containing link if repeated".
const repeatedAuthCap = 8

func (l *Link) repeatedAuthFailure() {
	if l.authFailCount.Add(1) >= repeatedAuthCap {
		l.forceClose(Timeout)
	}
}

// String renders a Link for logging.
func (l *Link) String() string {
	return fmt.Sprintf("link:%x[%s]", l.id, l.State())
}
