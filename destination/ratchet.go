package destination

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/meshlink/meshlink/crypto"
)

const (
	// RatchetIDSize is the length in bytes of a ratchet key's identifier:
	// the first 80 bits of SHA-256 of its public point.
	RatchetIDSize = 10

	// MaxRetainedRatchets is the maximum number of ratchet keys a
	// RatchetRing retains per destination (§3).
	MaxRetainedRatchets = 512

	// MaxRatchetAge is the maximum age of a retained ratchet key (§3).
	MaxRatchetAge = 30 * 24 * time.Hour

	// RatchetRotationInterval is how often a new ratchet key is
	// generated while a destination is actively announcing (§3).
	RatchetRotationInterval = 30 * time.Minute
)

// RatchetID identifies a ratchet key by the first 80 bits of the SHA-256
// hash of its public point.
type RatchetID [RatchetIDSize]byte

// RatchetKey is a short-lived X25519 keypair attached to a destination,
// used by peers to build forward-secret ECIES ciphertexts to that
// destination instead of (or alongside) its long-term identity key.
type RatchetKey struct {
	priv      *crypto.X25519PrivateKey
	pub       crypto.X25519PublicKey
	id        RatchetID
	createdAt time.Time
}

// ID returns the key's identifier.
func (k *RatchetKey) ID() RatchetID { return k.id }

// PublicKey returns the key's public half, the part that gets announced.
func (k *RatchetKey) PublicKey() *crypto.X25519PublicKey { return &k.pub }

// CreatedAt returns when the key was generated.
func (k *RatchetKey) CreatedAt() time.Time { return k.createdAt }

func newRatchetKey(now time.Time) (*RatchetKey, error) {
	priv, err := crypto.NewX25519Keypair(rand.Reader)
	if err != nil {
		return nil, err
	}
	pub := *priv.PublicKey()
	full := crypto.SHA256(pub.Bytes())

	k := &RatchetKey{priv: priv, pub: pub, createdAt: now}
	copy(k.id[:], full[:RatchetIDSize])
	return k, nil
}

// RatchetRing is the per-destination set of retained ratchet keys. All
// methods are safe for concurrent use; the owning Destination's link
// table and announce worker both touch it.
type RatchetRing struct {
	mu   sync.Mutex
	keys []*RatchetKey // oldest first
}

// NewRatchetRing returns an empty ring.
func NewRatchetRing() *RatchetRing {
	return &RatchetRing{}
}

// Rotate generates a new ratchet key, appends it to the ring, and prunes
// expired or excess keys. Callers invoke this on RatchetRotationInterval
// while the owning destination is announcing.
func (r *RatchetRing) Rotate(now time.Time) (*RatchetKey, error) {
	k, err := newRatchetKey(now)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.keys = append(r.keys, k)
	r.mu.Unlock()

	r.Prune(now)
	return k, nil
}

// Prune discards keys older than MaxRatchetAge and, if the ring still
// exceeds MaxRetainedRatchets, drops the oldest until it doesn't.
func (r *RatchetRing) Prune(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	kept := r.keys[:0:0]
	for _, k := range r.keys {
		if now.Sub(k.createdAt) <= MaxRatchetAge {
			kept = append(kept, k)
		}
	}
	if len(kept) > MaxRetainedRatchets {
		kept = kept[len(kept)-MaxRetainedRatchets:]
	}
	r.keys = kept
}

// Current returns the most recently generated, still-retained ratchet
// key, for inclusion in the next announce.
func (r *RatchetRing) Current() (*RatchetKey, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.keys) == 0 {
		return nil, false
	}
	return r.keys[len(r.keys)-1], true
}

// Consume looks up the private half of a previously announced ratchet key
// by id, for decrypting an ECIES ciphertext a peer built against it. It
// does not remove the key: a peer may re-send using the same ratchet
// public key until the owner rotates it out from under them.
func (r *RatchetRing) Consume(id RatchetID) (*crypto.X25519PrivateKey, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, k := range r.keys {
		if k.id == id {
			return k.priv, true
		}
	}
	return nil, false
}

// Len reports how many ratchet keys are currently retained.
func (r *RatchetRing) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.keys)
}
