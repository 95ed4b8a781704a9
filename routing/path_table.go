// Package routing implements the transport/routing core of §4.5: announce
// propagation with duplicate suppression and hop accounting, the path
// table, retransmission bandwidth capping, DATA/LINKREQUEST/PROOF
// forwarding, path requests, and interface quarantine. Grounded on the
// teacher's core/pki.Document acceptance pipeline (verify, then install into
// a table only if strictly better than what's there) generalized from a
// once-per-epoch consensus document to a continuously-updated path table.
package routing

import (
	"sync"
	"time"

	"github.com/meshlink/meshlink/internal/queue"
	"github.com/meshlink/meshlink/wire"
)

// PathExpiry is the maximum age of a path table entry (§3 Path entry).
const PathExpiry = 7 * 24 * time.Hour

// MaxHopCount is PATHFINDER_M: packets at or above this hop count are
// dropped rather than retransmitted (§4.5).
const MaxHopCount = wire.MaxHopCount

// PathEntry is one path table row: where an announced destination was last
// heard from, and how far away it claimed to be.
type PathEntry struct {
	NextHop      [16]byte
	HopCount     uint8
	Expiry       time.Time
	ReceivedFrom string
	AnnounceHash [32]byte
}

// pathTable maps destination address → best known PathEntry, with an
// auxiliary min-heap (keyed by expiry) so expired rows can be pruned in
// amortized O(log n) rather than a full table scan.
type pathTable struct {
	mu      sync.RWMutex
	entries map[[16]byte]*PathEntry
	expiry  *queue.PriorityQueue
}

func newPathTable() *pathTable {
	return &pathTable{
		entries: make(map[[16]byte]*PathEntry),
		expiry:  queue.New(),
	}
}

// Lookup returns the current best path to dest, if any and not expired.
func (t *pathTable) Lookup(dest [16]byte) (*PathEntry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[dest]
	if !ok || time.Now().After(e.Expiry) {
		return nil, false
	}
	return e, true
}

// Update installs a new entry for dest if none exists yet, or if the
// candidate strictly improves on the existing one's hop count (§4.5's "new
// entry has strictly fewer hops"). Returns true if the table changed.
func (t *pathTable) Update(dest [16]byte, candidate *PathEntry) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	existing, ok := t.entries[dest]
	if ok && time.Now().Before(existing.Expiry) && candidate.HopCount >= existing.HopCount {
		return false
	}

	t.entries[dest] = candidate
	t.expiry.Enqueue(uint64(candidate.Expiry.Unix()), dest)
	return true
}

// PruneExpired discards every entry whose expiry has passed as of now.
func (t *pathTable) PruneExpired(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	nowUnix := uint64(now.Unix())
	for {
		ent := t.expiry.Peek()
		if ent == nil || ent.Priority > nowUnix {
			return
		}
		t.expiry.Pop()
		dest := ent.Value.([16]byte)
		if row, ok := t.entries[dest]; ok && !row.Expiry.After(now) {
			delete(t.entries, dest)
		}
	}
}

// Len reports the number of live entries (including not-yet-pruned expired
// ones); exposed for tests.
func (t *pathTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}
