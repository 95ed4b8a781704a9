package session

import (
	"time"

	"github.com/meshlink/meshlink/identity"
)

// Numeric REJECT error codes, §4.10.
const (
	RejectMalformed         byte = 1
	RejectVersionMismatch   byte = 2
	RejectClientNotAllowed  byte = 3
	RejectSessionCapReached byte = 4
	RejectInternalError     byte = 5
)

// Default policy values named in §6.
const (
	DefaultMaxSessions    = 10
	DefaultCommandTimeout = 300 * time.Second
)

// Policy is the server-side session policy of §6: how many concurrent
// sessions the server admits, the command timeout applied when a request
// doesn't specify one, and the client allow-list.
type Policy struct {
	MaxSessions    int
	CommandTimeout time.Duration

	// AllowedClients is the allow-list keyed by identity address. An
	// empty list means allow all, per §4.10.
	AllowedClients [][identity.AddressSize]byte
}

// DefaultPolicy returns the §6 defaults with an empty (allow-all) list.
func DefaultPolicy() Policy {
	return Policy{
		MaxSessions:    DefaultMaxSessions,
		CommandTimeout: DefaultCommandTimeout,
	}
}

func (p Policy) allows(addr [identity.AddressSize]byte) bool {
	if len(p.AllowedClients) == 0 {
		return true
	}
	for _, a := range p.AllowedClients {
		if a == addr {
			return true
		}
	}
	return false
}
