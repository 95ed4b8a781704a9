package routing

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	logging "gopkg.in/op/go-logging.v1"

	"golang.org/x/time/rate"

	"github.com/meshlink/meshlink/destination"
	"github.com/meshlink/meshlink/internal/csprng"
	"github.com/meshlink/meshlink/internal/instrument"
	"github.com/meshlink/meshlink/transport"
	"github.com/meshlink/meshlink/wire"
)

// PathRequestMinInterval and PathRequestTimeout bound RequestPath, per §4.5.
const (
	PathRequestMinInterval = 20 * time.Second
	PathRequestTimeout     = 15 * time.Second

	// pathRequestContext is the packet Context byte value that marks a
	// PLAIN/DATA packet as a path request rather than application
	// payload. Reticulum dedicates a context code to this; the distilled
	// spec names the operation but not the byte value, so this is a
	// resolved implementation detail.
	pathRequestContext = 0x01

	// announceBandwidthFraction is the rolling fraction of an
	// interface's nominal bitrate available to announce retransmission
	// (§4.5: "per-interface announce bandwidth cap of 2% rolling").
	announceBandwidthFraction = 0.02

	retryJitterFraction = 0.3
)

// pathRequestRetryBase is the average spacing between rebroadcasts of an
// unanswered path request while RequestPath waits out PathRequestTimeout,
// jittered per retryJitterFraction to keep concurrent waiters on the same
// destination from all retrying in lockstep. A var, not a const, so tests
// can shrink it instead of running real time.
var pathRequestRetryBase = 3 * time.Second

// retryRand sources the randomized spacing between retries: never key
// material, so the CSPRNG-seeded math/rand replacement is enough. Package
// level and mutex-guarded because math/rand.Rand is not itself safe for
// concurrent use.
var retryRand = newJitterSource()

type jitterSource struct {
	mu  sync.Mutex
	src *rand.Rand
}

func newJitterSource() *jitterSource {
	return &jitterSource{src: csprng.New()}
}

// jitter returns d adjusted by up to ±frac, e.g. jitter(3s, 0.3) yields a
// value in [2.1s, 3.9s].
func (j *jitterSource) jitter(d time.Duration, frac float64) time.Duration {
	j.mu.Lock()
	f := j.src.Float64()
	j.mu.Unlock()
	delta := time.Duration(float64(d) * frac * (2*f - 1))
	return d + delta
}

// ErrTimeout is the taxonomy's TimeoutError for a path request that did not
// resolve within PathRequestTimeout.
var ErrTimeout = errors.New("routing: path request timed out")

// ErrUnroutable is returned forwarding a DATA/LINKREQUEST/PROOF packet for
// which no path table entry exists and no local destination claims it.
var ErrUnroutable = errors.New("routing: no path to destination")

// registeredInterface bundles a transport.Interface with its per-interface
// announce-bandwidth limiter.
type registeredInterface struct {
	iface          transport.Interface
	announceBudget *rate.Limiter
}

// Core is the transport/routing core of §4.5: one instance per
// meshlink.Stack, owning the path table, duplicate-announce cache, and
// interface quarantine state. Core holds no package-level state; multiple
// independent Cores may run in one process.
type Core struct {
	log     *logging.Logger
	metrics *instrument.Metrics

	mu         sync.RWMutex
	interfaces map[string]*registeredInterface

	localMu  sync.RWMutex
	local    map[[16]byte]func(string, *wire.Packet)

	pt         *pathTable
	dedup      *dedupCache
	quarantine *quarantineTracker

	prMu         sync.Mutex
	pathRequests map[[16]byte]time.Time
}

// NewCore constructs an empty Core. log and metrics must not be nil;
// callers that don't need metrics can pass instrument.New("") unregistered.
func NewCore(log *logging.Logger, metrics *instrument.Metrics) *Core {
	return &Core{
		log:          log,
		metrics:      metrics,
		interfaces:   make(map[string]*registeredInterface),
		local:        make(map[[16]byte]func(string, *wire.Packet)),
		pt:           newPathTable(),
		dedup:        newDedupCache(),
		quarantine:   newQuarantineTracker(),
		pathRequests: make(map[[16]byte]time.Time),
	}
}

// RegisterInterface adds iface to the routing core, sizing its announce
// bandwidth budget from its reported nominal bitrate.
func (c *Core) RegisterInterface(iface transport.Interface) {
	c.mu.Lock()
	defer c.mu.Unlock()
	budget := float64(iface.Bitrate()) * announceBandwidthFraction / 8
	c.interfaces[iface.Name()] = &registeredInterface{
		iface:          iface,
		announceBudget: rate.NewLimiter(rate.Limit(budget), wire.MaxPacketSize*4),
	}
}

// RegisterLocalDestination marks addr as locally owned: routed packets
// addressed to it are delivered to deliver instead of forwarded. deliver
// receives the name of the interface the packet arrived on, so a
// handshake handler can install a return route without a separate
// lookup.
func (c *Core) RegisterLocalDestination(addr [16]byte, deliver func(ifaceName string, pkt *wire.Packet)) {
	c.localMu.Lock()
	defer c.localMu.Unlock()
	c.local[addr] = deliver
}

// UnregisterLocalDestination removes a local delivery registration, used
// by the link layer to stop accepting traffic for a link id once it
// closes.
func (c *Core) UnregisterLocalDestination(addr [16]byte) {
	c.localMu.Lock()
	defer c.localMu.Unlock()
	delete(c.local, addr)
}

// RegisterPath installs (or refreshes) a path table entry for dest,
// routed out ifaceName, expiring after ttl. Used by the link layer to
// seed routing state for a link id before any packet addressed to it has
// actually been seen, and by handleRouted to build that same state as a
// side effect of relaying a LINKREQUEST.
func (c *Core) RegisterPath(dest [16]byte, ifaceName string, ttl time.Duration) {
	c.pt.Update(dest, &PathEntry{
		ReceivedFrom: ifaceName,
		Expiry:       time.Now().Add(ttl),
	})
}

// Send transmits a locally-originated packet (one this node did not
// receive on any interface) by looking up its destination in the path
// table, exactly as a forwarded packet would be, and sending out the
// interface that route was learned on. The link and destination layers
// use this to emit LINKREQUEST/PROOF/DATA packets without duplicating
// path table lookup logic.
func (c *Core) Send(ctx context.Context, pkt *wire.Packet) error {
	dest := pkt.DestinationHash()
	entry, ok := c.pt.Lookup(dest)
	if !ok {
		return ErrUnroutable
	}
	c.mu.RLock()
	ri, ok := c.interfaces[entry.ReceivedFrom]
	c.mu.RUnlock()
	if !ok {
		return ErrUnroutable
	}
	encoded, err := wire.Encode(pkt)
	if err != nil {
		return err
	}
	return ri.iface.Send(ctx, encoded)
}

// Run starts one receive loop per currently-registered interface, feeding
// every inbound packet to HandleInbound. It blocks until ctx is cancelled.
func (c *Core) Run(ctx context.Context) error {
	c.mu.RLock()
	ifaces := make([]*registeredInterface, 0, len(c.interfaces))
	for _, ri := range c.interfaces {
		ifaces = append(ifaces, ri)
	}
	c.mu.RUnlock()

	var wg sync.WaitGroup
	for _, ri := range ifaces {
		wg.Add(1)
		go func(ri *registeredInterface) {
			defer wg.Done()
			c.receiveLoop(ctx, ri.iface)
		}(ri)
	}
	wg.Wait()
	return ctx.Err()
}

func (c *Core) receiveLoop(ctx context.Context, iface transport.Interface) {
	for {
		data, err := iface.Receive(ctx)
		if err != nil {
			if c.log != nil {
				c.log.Debugf("receive loop for %s exiting: %v", iface.Name(), err)
			}
			return
		}
		if err := c.HandleInbound(ctx, iface.Name(), data); err != nil && c.log != nil {
			c.log.Debugf("%s: %v", iface.Name(), err)
		}
	}
}

// HandleInbound processes one packet received on the named interface. It
// never panics on malformed input; every failure path is a typed,
// counted drop.
func (c *Core) HandleInbound(ctx context.Context, ifaceName string, data []byte) error {
	if c.quarantine.IsQuarantined(ifaceName) {
		c.countDrop("quarantined")
		return nil
	}

	pkt, err := wire.Decode(data)
	if err != nil {
		c.protocolOffense(ifaceName, "decode")
		return fmt.Errorf("%w: %v", wire.ErrProtocol, err)
	}

	switch pkt.PacketType {
	case wire.PacketAnnounce:
		return c.handleAnnounce(ctx, ifaceName, pkt)
	case wire.PacketData, wire.PacketLinkRequest, wire.PacketProof:
		return c.handleRouted(ctx, ifaceName, pkt)
	default:
		c.protocolOffense(ifaceName, "unknown-type")
		return wire.ErrProtocol
	}
}

func (c *Core) handleAnnounce(ctx context.Context, ifaceName string, pkt *wire.Packet) error {
	if pkt.HopCount >= MaxHopCount {
		c.countDrop("hop-limit")
		return nil
	}

	info, err := destination.VerifyAnnounce(pkt.Payload)
	if err != nil {
		if errors.Is(err, destination.ErrAnnounceBadSignature) {
			c.metrics.AuthErrors.WithLabelValues(ifaceName).Inc()
		} else {
			c.protocolOffense(ifaceName, "announce-malformed")
		}
		c.countDrop("announce-invalid")
		return nil // P4: dropped silently, no path table mutation
	}

	dedupHash := sha256.Sum256(pkt.Payload[:len(pkt.Payload)-ed25519.SignatureSize])
	now := time.Now()
	if c.dedup.SeenRecently(dedupHash, now) {
		c.metrics.PacketsReplayed.Inc()
		return nil
	}

	nextHop := info.Address
	if tid, ok := pkt.TransportID(); ok {
		nextHop = tid
	}

	installed := c.pt.Update(info.Address, &PathEntry{
		NextHop:      nextHop,
		HopCount:     pkt.HopCount,
		Expiry:       now.Add(PathExpiry),
		ReceivedFrom: ifaceName,
		AnnounceHash: dedupHash,
	})
	if !installed {
		return nil
	}

	c.retransmitAnnounce(ctx, ifaceName, pkt)
	return nil
}

func (c *Core) retransmitAnnounce(ctx context.Context, fromIface string, pkt *wire.Packet) {
	// The arrival guard in handleAnnounce already dropped anything at or
	// past MaxHopCount before it ever reached here, so an announce that
	// arrives at hop 127 is still retransmitted once, at hop 128 — it is
	// the next hop's arrival check that drops it, matching handleRouted's
	// unconditional forward.
	fwd := *pkt
	fwd.HopCount++
	encoded, err := wire.Encode(&fwd)
	if err != nil {
		return
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	for name, ri := range c.interfaces {
		if name == fromIface {
			continue
		}
		if !ri.announceBudget.AllowN(time.Now(), len(encoded)) {
			continue
		}
		if err := ri.iface.Send(ctx, encoded); err == nil {
			c.metrics.AnnounceRetransmits.Inc()
		}
	}
}

func (c *Core) handleRouted(ctx context.Context, ifaceName string, pkt *wire.Packet) error {
	if pkt.HopCount >= MaxHopCount {
		c.countDrop("hop-limit")
		return nil
	}

	if pkt.PacketType == wire.PacketLinkRequest {
		c.registerLinkRoute(ifaceName, pkt)
	}

	dest := pkt.DestinationHash()

	c.localMu.RLock()
	deliver, isLocal := c.local[dest]
	c.localMu.RUnlock()
	if isLocal {
		deliver(ifaceName, pkt)
		return nil
	}

	entry, ok := c.pt.Lookup(dest)
	if !ok {
		c.countDrop("unroutable")
		return ErrUnroutable
	}

	c.mu.RLock()
	ri, ok := c.interfaces[entry.ReceivedFrom]
	c.mu.RUnlock()
	if !ok {
		c.countDrop("unroutable")
		return ErrUnroutable
	}

	fwd := *pkt
	fwd.HopCount++
	encoded, err := wire.Encode(&fwd)
	if err != nil {
		c.protocolOffense(ifaceName, "encode-on-forward")
		return err
	}
	return ri.iface.Send(ctx, encoded)
}

// LinkRouteTTL bounds how long a link-id routing entry installed by
// registerLinkRoute (or, on the initiator side, the link package itself
// once a PROOF arrives) survives without the link itself refreshing it.
const LinkRouteTTL = 24 * time.Hour

// registerLinkRoute installs a path-table entry for a LINKREQUEST
// packet's link id, mapping it back to the interface the request was
// seen on. This is how the routing core builds per-link routing state as
// a side effect of relaying or delivering a handshake, mirroring how
// announce propagation builds path table state as a side effect of
// relaying an announce — it is what lets the responder's PROOF, and
// every later packet addressed by link id, route back through this node
// without a separate announce for the link itself.
//
// The link id formula (SHA256(initiator's 64-byte X25519||Ed25519 public
// halves || destination address)[:16]) must match link.computeLinkID
// exactly; the two packages can't share code without an import cycle
// (link depends on routing), so it is duplicated deliberately.
func (c *Core) registerLinkRoute(ifaceName string, pkt *wire.Packet) {
	if len(pkt.Payload) < 64 {
		return
	}
	dest := pkt.DestinationHash()
	sum := sha256.Sum256(append(append([]byte{}, pkt.Payload[:64]...), dest[:]...))
	var linkID [16]byte
	copy(linkID[:], sum[:16])
	c.RegisterPath(linkID, ifaceName, LinkRouteTTL)
}

// RequestPath locally originates a path request for dest, broadcasting on
// every registered interface and blocking until either a path table entry
// appears or PathRequestTimeout elapses. Repeated calls for the same
// destination within PathRequestMinInterval are coalesced into the
// in-flight request rather than re-broadcast.
func (c *Core) RequestPath(ctx context.Context, dest [16]byte) error {
	if _, ok := c.pt.Lookup(dest); ok {
		return nil
	}

	c.prMu.Lock()
	last, inFlight := c.pathRequests[dest]
	if inFlight && time.Since(last) < PathRequestMinInterval {
		c.prMu.Unlock()
	} else {
		c.pathRequests[dest] = time.Now()
		c.prMu.Unlock()
		c.broadcastPathRequest(ctx, dest)
	}

	deadline := time.Now().Add(PathRequestTimeout)
	nextRetry := time.Now().Add(retryRand.jitter(pathRequestRetryBase, retryJitterFraction))
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if _, ok := c.pt.Lookup(dest); ok {
			return nil
		}
		now := time.Now()
		if now.After(deadline) {
			return ErrTimeout
		}
		if now.After(nextRetry) {
			c.broadcastPathRequest(ctx, dest)
			nextRetry = now.Add(retryRand.jitter(pathRequestRetryBase, retryJitterFraction))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Core) broadcastPathRequest(ctx context.Context, dest [16]byte) {
	pkt := &wire.Packet{
		HeaderType: wire.HeaderType1,
		ContextSet: true,
		DestType:   wire.DestPlain,
		PacketType: wire.PacketData,
		Addresses:  [][16]byte{dest},
		Context:    pathRequestContext,
		Payload:    []byte{},
	}
	encoded, err := wire.Encode(pkt)
	if err != nil {
		return
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, ri := range c.interfaces {
		_ = ri.iface.Send(ctx, encoded)
	}
}

func (c *Core) protocolOffense(ifaceName, reason string) {
	c.countDrop(reason)
	if c.quarantine.Offense(ifaceName) && c.log != nil {
		c.log.Warningf("interface %s quarantined after repeated %s offenses", ifaceName, reason)
	}
	if c.quarantine.IsQuarantined(ifaceName) {
		c.metrics.InterfaceQuarantined.WithLabelValues(ifaceName).Inc()
	}
}

func (c *Core) countDrop(reason string) {
	c.metrics.PacketsDropped.WithLabelValues(reason).Inc()
}

// PathTableLen exposes the number of live path table entries, for tests.
func (c *Core) PathTableLen() int { return c.pt.Len() }

// IsQuarantined reports whether the named interface is currently
// quarantined.
func (c *Core) IsQuarantined(name string) bool { return c.quarantine.IsQuarantined(name) }
