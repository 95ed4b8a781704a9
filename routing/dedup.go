package routing

import (
	"sync"
	"time"
)

// DedupWindow is the minimum retention period for announce dedup entries
// (§4.5: "within a bounded memory (at least 24 h)").
const DedupWindow = 24 * time.Hour

// dedupCache suppresses re-processing of an announce payload already seen
// within DedupWindow, keyed by SHA256(announce_payload_before_sig).
type dedupCache struct {
	mu   sync.Mutex
	seen map[[32]byte]time.Time
}

func newDedupCache() *dedupCache {
	return &dedupCache{seen: make(map[[32]byte]time.Time)}
}

// SeenRecently reports whether hash was recorded within DedupWindow of now,
// recording it (or refreshing it) as seen regardless of the outcome.
func (d *dedupCache) SeenRecently(hash [32]byte, now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	last, ok := d.seen[hash]
	wasRecent := ok && now.Sub(last) < DedupWindow
	d.seen[hash] = now
	return wasRecent
}

// Prune discards entries older than DedupWindow.
func (d *dedupCache) Prune(now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for h, t := range d.seen {
		if now.Sub(t) >= DedupWindow {
			delete(d.seen, h)
		}
	}
}

// Len reports the number of tracked announce hashes; exposed for tests.
func (d *dedupCache) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}
