package routing

import (
	"sync"

	"golang.org/x/time/rate"
)

// quarantineOffenseRate and quarantineOffenseBurst bound how many
// ProtocolErrors an interface may incur before quarantine, per §7's
// "repeated offenses may cause interface quarantine" and §3's supplemented
// mechanism in SPEC_FULL.md: a leaky bucket per interface built on the same
// golang.org/x/time/rate limiter already wired for announce bandwidth
// capping.
const (
	quarantineOffenseRate  = rate.Limit(1.0 / 10) // one offense tolerated every 10s, sustained
	quarantineOffenseBurst = 5
)

// quarantineTracker is a per-interface leaky bucket of ProtocolError
// offenses. An interface name that exhausts its bucket is quarantined until
// the bucket would again admit a token.
type quarantineTracker struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	down     map[string]bool
}

func newQuarantineTracker() *quarantineTracker {
	return &quarantineTracker{
		limiters: make(map[string]*rate.Limiter),
		down:     make(map[string]bool),
	}
}

// Offense records a ProtocolError against iface and reports whether the
// interface is now quarantined (either newly, or already).
func (q *quarantineTracker) Offense(iface string) (quarantined bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	l, ok := q.limiters[iface]
	if !ok {
		l = rate.NewLimiter(quarantineOffenseRate, quarantineOffenseBurst)
		q.limiters[iface] = l
	}
	if !l.Allow() {
		q.down[iface] = true
	}
	return q.down[iface]
}

// IsQuarantined reports whether iface is currently quarantined, lifting the
// quarantine once the interface's bucket would again admit a token.
func (q *quarantineTracker) IsQuarantined(iface string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.down[iface] {
		if l := q.limiters[iface]; l != nil && l.Tokens() >= 1 {
			delete(q.down, iface)
		}
	}
	return q.down[iface]
}

// Release lifts quarantine on iface, resetting its offense bucket.
func (q *quarantineTracker) Release(iface string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.down, iface)
	delete(q.limiters, iface)
}
