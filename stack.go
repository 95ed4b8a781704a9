// Package meshlink assembles the network core's layers — identity,
// routing, links, and the command-session application layer — into a
// single addressable participant, the Stack. Grounded on the teacher's
// habit (server/server.go, courier/server/server.go) of a top-level type
// that owns one identity, one set of listeners, and one metrics
// namespace: unlike the teacher's global per-process server, Stack
// carries no package-level state, so a process can run several
// independent stacks (e.g. in-process client and server for a test) side
// by side without them fighting over shared globals.
package meshlink

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	logging "gopkg.in/op/go-logging.v1"

	"github.com/meshlink/meshlink/destination"
	"github.com/meshlink/meshlink/identity"
	ilog "github.com/meshlink/meshlink/internal/log"
	"github.com/meshlink/meshlink/internal/instrument"
	"github.com/meshlink/meshlink/link"
	"github.com/meshlink/meshlink/routing"
	"github.com/meshlink/meshlink/session"
	"github.com/meshlink/meshlink/transport"
)

// Stack is one participant in the mesh: an identity, the routing core
// that speaks the packet/announce/path protocol on its behalf, and the
// links and command sessions built on top of it.
type Stack struct {
	Identity *identity.Identity
	Core     *routing.Core
	Metrics  *instrument.Metrics
	Log      *logging.Logger

	mu    sync.Mutex
	links map[[identity.AddressSize]byte]*link.Link
}

// New constructs a Stack for id. namespace prefixes every Prometheus
// metric this Stack registers, so multiple Stacks in one process (or
// multiple test cases in one run) don't collide. backend supplies the
// per-module logger; pass nil to fall back to go-logging's own default
// backend, which is enough for tests.
func New(namespace string, id *identity.Identity, backend *ilog.Backend) *Stack {
	met := instrument.New(namespace)

	var log *logging.Logger
	if backend != nil {
		log = backend.GetLogger("meshlink." + namespace)
	} else {
		log = logging.MustGetLogger("meshlink." + namespace)
	}

	return &Stack{
		Identity: id,
		Core:     routing.NewCore(log, met),
		Metrics:  met,
		Log:      log,
		links:    make(map[[identity.AddressSize]byte]*link.Link),
	}
}

// RegisterInterface binds a transport to this Stack's routing core.
func (s *Stack) RegisterInterface(iface transport.Interface) {
	s.Core.RegisterInterface(iface)
}

// RegisterMetrics registers this Stack's counters with reg. Optional:
// tests commonly leave metrics unregistered and read the counters back
// directly.
func (s *Stack) RegisterMetrics(reg prometheus.Registerer) {
	s.Metrics.MustRegister(reg)
}

// Run drives every registered interface's receive loop until ctx is
// canceled.
func (s *Stack) Run(ctx context.Context) error {
	return s.Core.Run(ctx)
}

// SingleDestination builds the SINGLE destination this Stack's identity
// receives on, named name (e.g. "meshlink.commandsession").
func (s *Stack) SingleDestination(name string) (*destination.Destination, error) {
	return destination.New(destination.In, destination.Single, name, s.Identity, nil)
}

// ListenSessions announces dest and accepts inbound links against it,
// handing each newly ACTIVE link to a fresh session.Server governed by
// policy and exec. It returns immediately; sessions run on their own
// goroutines for the lifetime of the Stack.
func (s *Stack) ListenSessions(dest *destination.Destination, policy session.Policy, exec session.Executor, registry *session.Registry) {
	addr := dest.Address()
	link.Listen(s.Core, s.Log, s.Metrics, s.Identity, addr, func(l *link.Link) {
		s.trackLink(l)
		session.NewServer(l, policy, exec, registry, s.Log)
	})
}

// DialSession opens a link to peerIdentity at destAddr and wraps it in a
// session.Client, performing the CONNECT handshake before returning.
func (s *Stack) DialSession(ctx context.Context, peerIdentity *identity.Identity, destAddr [identity.AddressSize]byte) (*session.Client, [identity.AddressSize]byte, error) {
	l, err := link.Dial(ctx, s.Core, s.Log, s.Metrics, peerIdentity, destAddr, nil)
	if err != nil {
		var zero [identity.AddressSize]byte
		return nil, zero, fmt.Errorf("meshlink: dial: %w", err)
	}
	s.trackLink(l)

	client := session.NewClient(l, s.Identity, s.Log)
	sessionID, err := client.Connect(ctx)
	if err != nil {
		return nil, sessionID, fmt.Errorf("meshlink: connect: %w", err)
	}
	return client, sessionID, nil
}

func (s *Stack) trackLink(l *link.Link) {
	s.mu.Lock()
	s.links[l.ID()] = l
	s.mu.Unlock()

	l.SetCloseHandler(func(link.CloseReason) {
		s.mu.Lock()
		delete(s.links, l.ID())
		s.mu.Unlock()
	})
}

// Links returns the ids of every link this Stack currently tracks as
// open (Pending through Stale).
func (s *Stack) Links() [][identity.AddressSize]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][identity.AddressSize]byte, 0, len(s.links))
	for id := range s.links {
		out = append(out, id)
	}
	return out
}
