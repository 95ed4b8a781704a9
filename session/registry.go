package session

import (
	"sync"

	"github.com/meshlink/meshlink/identity"
)

// Registry tracks live server-held sessions across every link a server
// handles, so that a single MaxSessions cap (§6, P10) applies process-wide
// rather than per-link.
type Registry struct {
	mu       sync.Mutex
	sessions map[[identity.AddressSize]byte]sessionRecord
}

type sessionRecord struct {
	clientAddr [identity.AddressSize]byte
	linkID     [identity.AddressSize]byte
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[[identity.AddressSize]byte]sessionRecord)}
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Admit records a new session under id if max permits it (max<=0 means
// unlimited), returning false without recording anything if the cap is
// already reached.
func (r *Registry) Admit(max int, id, clientAddr, linkID [identity.AddressSize]byte) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if max > 0 && len(r.sessions) >= max {
		return false
	}
	r.sessions[id] = sessionRecord{clientAddr: clientAddr, linkID: linkID}
	return true
}

// Remove drops a session record, freeing its slot for P10's "after
// DISCONNECT of any session, a new CONNECT succeeds" guarantee.
func (r *Registry) Remove(id [identity.AddressSize]byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}
