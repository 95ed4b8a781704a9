// Package resource implements the chunked, retransmit-capable transfer
// protocol of §4.7 for application messages larger than one packet's MDU:
// fragmentation into SDU-sized parts, a hashmap advertisement, a sliding
// request window, adaptive send rate, optional BZ2 compression, and a
// signed completion proof. Grounded on the teacher's core/pki.Document
// hash-then-sign-then-verify acceptance pipeline, generalized here from a
// single signed document to a signed reassembly of many parts, plus the
// teacher's queue.PriorityQueue for retry scheduling.
package resource

import (
	"context"
	"crypto/sha256"
	"errors"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/meshlink/meshlink/internal/csprng"
	"github.com/meshlink/meshlink/internal/queue"
)

const (
	// SDUSize is the size in bytes of one resource part, chosen to fit
	// comfortably within a PLAIN/GROUP/LINK packet's MDU after Token
	// encryption overhead.
	SDUSize = 400

	// MinWindow and MaxWindow bound the sliding window of outstanding
	// requested parts (§4.7: "min 2, max 75 parts outstanding").
	MinWindow = 2
	MaxWindow = 75

	// MaxPartRetries and MaxAdvertisementRetries bound retransmission
	// attempts (§4.7).
	MaxPartRetries          = 16
	MaxAdvertisementRetries = 4

	// SlowRate and FastRate bound the adaptive send rate in bytes/sec
	// (§4.7: "2 Kbps (slow) to 50 Kbps (fast)").
	SlowRate = 2000 / 8
	FastRate = 50000 / 8

	// CompressionSizeLimit is the largest original payload BZ2
	// compression is attempted for (§4.7: "original ≤ 64 MiB").
	CompressionSizeLimit = 64 * 1024 * 1024
)

var (
	// ErrResource is the taxonomy's ResourceError: reassembly hash
	// mismatch or retries exhausted (§7).
	ErrResource = errors.New("resource: transfer failed")

	// ErrPartRetriesExhausted is a more specific ErrResource: a single
	// part failed MaxPartRetries times.
	ErrPartRetriesExhausted = errors.New("resource: part retries exhausted")

	// ErrAdvertisementRetriesExhausted is a more specific ErrResource: the
	// hashmap advertisement itself was never acknowledged.
	ErrAdvertisementRetriesExhausted = errors.New("resource: advertisement retries exhausted")

	// ErrHashMismatch is a more specific ErrResource: the reassembled
	// payload's SHA-256 does not match the signed completion proof.
	ErrHashMismatch = errors.New("resource: reassembled hash mismatch")
)

// PartHash is the SHA-256 digest of one SDU-sized part.
type PartHash [sha256.Size]byte

// Advertisement is the hashmap advertisement the sender transmits before
// any part, describing the resource's shape so the receiver can request
// parts by index.
type Advertisement struct {
	ResourceID  [16]byte
	TotalSize   uint64 // size of the (possibly compressed) transmitted payload
	OriginalSize uint64 // size before compression, used to size the reassembly buffer
	Compressed  bool
	PartHashes  []PartHash
}

// Transmitter drives the sender side of a resource transfer: split, hash,
// advertise, then serve part requests until every part is acknowledged or
// retries are exhausted.
type Transmitter struct {
	id      [16]byte
	payload []byte // possibly compressed
	original []byte
	compressed bool
	parts   [][]byte
	hashes  []PartHash

	sendPart func(ctx context.Context, index int, data []byte) error
	sendAdv  func(ctx context.Context, adv *Advertisement) error

	limiter *rate.Limiter

	mu            sync.Mutex
	partRetries   []int
	advRetries    int
	acked         []bool
}

// NewTransmitter prepares a resource transfer for payload, compressing it
// first per §4.7's threshold rule (iff the compressed form is smaller and
// the original is at most CompressionSizeLimit). sendPart transmits one
// part by index; sendAdv transmits the hashmap advertisement. Both may be
// called multiple times under retry.
func NewTransmitter(id [16]byte, payload []byte, sendAdv func(context.Context, *Advertisement) error, sendPart func(context.Context, int, []byte) error) (*Transmitter, error) {
	transmit := payload
	compressed := false
	if len(payload) <= CompressionSizeLimit {
		if c, err := compress(payload); err == nil && len(c) < len(payload) {
			transmit = c
			compressed = true
		}
	}

	parts := splitParts(transmit)
	hashes := make([]PartHash, len(parts))
	for i, p := range parts {
		hashes[i] = sha256.Sum256(p)
	}

	return &Transmitter{
		id:          id,
		payload:     transmit,
		original:    payload,
		compressed:  compressed,
		parts:       parts,
		hashes:      hashes,
		sendPart:    sendPart,
		sendAdv:     sendAdv,
		limiter:     rate.NewLimiter(FastRate, SDUSize*2),
		partRetries: make([]int, len(parts)),
		acked:       make([]bool, len(parts)),
	}, nil
}

func splitParts(data []byte) [][]byte {
	if len(data) == 0 {
		return [][]byte{{}}
	}
	var parts [][]byte
	for off := 0; off < len(data); off += SDUSize {
		end := off + SDUSize
		if end > len(data) {
			end = len(data)
		}
		parts = append(parts, data[off:end])
	}
	return parts
}

// Advertisement returns the hashmap advertisement describing this
// transfer, to be (re)sent up to MaxAdvertisementRetries times until the
// receiver begins requesting parts.
func (t *Transmitter) Advertisement() *Advertisement {
	return &Advertisement{
		ResourceID:   t.id,
		TotalSize:    uint64(len(t.payload)),
		OriginalSize: uint64(len(t.original)),
		Compressed:   t.compressed,
		PartHashes:   append([]PartHash{}, t.hashes...),
	}
}

// SendAdvertisement transmits the advertisement, retrying up to
// MaxAdvertisementRetries times on error.
func (t *Transmitter) SendAdvertisement(ctx context.Context) error {
	adv := t.Advertisement()
	var lastErr error
	for i := 0; i < MaxAdvertisementRetries; i++ {
		if err := t.sendAdv(ctx, adv); err == nil {
			return nil
		} else {
			lastErr = err
		}
	}
	if lastErr == nil {
		lastErr = ErrAdvertisementRetriesExhausted
	}
	return ErrAdvertisementRetriesExhausted
}

// ServePart transmits the requested part index, decreasing the adaptive
// rate toward SlowRate on repeated timeouts for that part and returning
// ErrPartRetriesExhausted once MaxPartRetries is exceeded (§4.7, P9).
func (t *Transmitter) ServePart(ctx context.Context, index int) error {
	if index < 0 || index >= len(t.parts) {
		return ErrResource
	}

	t.mu.Lock()
	if t.acked[index] {
		t.mu.Unlock()
		return nil
	}
	retries := t.partRetries[index]
	t.mu.Unlock()

	if retries >= MaxPartRetries {
		return ErrPartRetriesExhausted
	}

	if err := t.limiter.WaitN(ctx, len(t.parts[index])); err != nil {
		return err
	}

	err := t.sendPart(ctx, index, t.parts[index])
	t.mu.Lock()
	if err != nil {
		t.partRetries[index]++
		t.slowDown()
	}
	t.mu.Unlock()
	return err
}

// Ack marks index as successfully received by the peer.
func (t *Transmitter) Ack(index int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if index >= 0 && index < len(t.acked) {
		t.acked[index] = true
	}
}

// Done reports whether every part has been acknowledged.
func (t *Transmitter) Done() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, a := range t.acked {
		if !a {
			return false
		}
	}
	return true
}

// CompletionHash returns the SHA-256 of the original, uncompressed
// payload, the value the sender signs into the final PROOF packet.
func (t *Transmitter) CompletionHash() [32]byte {
	return sha256.Sum256(t.original)
}

// slowDown must be called with mu held; it halves the adaptive rate
// toward SlowRate on a timeout, per §4.7's "moving toward slower on
// timeouts".
func (t *Transmitter) slowDown() {
	cur := t.limiter.Limit()
	next := cur / 2
	if next < SlowRate {
		next = SlowRate
	}
	t.limiter.SetLimit(next)
}

// PartCount reports how many parts this transfer was split into.
func (t *Transmitter) PartCount() int { return len(t.parts) }

// Receiver drives the receive side of a resource transfer: request parts
// within a sliding window, verify per-part hashes, reassemble, decompress,
// and validate the final SHA-256 against a signed completion hash.
type Receiver struct {
	adv   *Advertisement
	parts [][]byte
	have  []bool

	window int

	mu sync.Mutex
}

// NewReceiver begins a receive session from an advertisement.
func NewReceiver(adv *Advertisement) *Receiver {
	return &Receiver{
		adv:    adv,
		parts:  make([][]byte, len(adv.PartHashes)),
		have:   make([]bool, len(adv.PartHashes)),
		window: MinWindow,
	}
}

// NextRequests returns up to the current window size worth of not-yet-have
// part indices to request next.
func (r *Receiver) NextRequests() []int {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []int
	for i, have := range r.have {
		if !have {
			out = append(out, i)
			if len(out) >= r.window {
				break
			}
		}
	}
	return out
}

// SubmitPart verifies data against its advertised hash and records it if
// valid, growing the window on success. A hash mismatch does not record
// the part and leaves it eligible for re-request (P9).
func (r *Receiver) SubmitPart(index int, data []byte) error {
	if index < 0 || index >= len(r.parts) {
		return ErrResource
	}
	sum := sha256.Sum256(data)
	if sum != r.adv.PartHashes[index] {
		r.mu.Lock()
		if r.window > MinWindow {
			r.window--
		}
		r.mu.Unlock()
		return ErrHashMismatch
	}

	r.mu.Lock()
	r.parts[index] = append([]byte{}, data...)
	r.have[index] = true
	if r.window < MaxWindow {
		r.window++
	}
	r.mu.Unlock()
	return nil
}

// Complete reports whether every part has been received.
func (r *Receiver) Complete() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, h := range r.have {
		if !h {
			return false
		}
	}
	return true
}

// Reassemble concatenates all parts, decompresses if the advertisement
// says to, and verifies the result's SHA-256 against expectedHash (the
// value signed into the sender's completion PROOF). It returns
// ErrHashMismatch, not the raw payload, if verification fails — the
// caller must never deliver unverified data upward (§3 Resource
// invariant, P9).
func (r *Receiver) Reassemble(expectedHash [32]byte) ([]byte, error) {
	if !r.Complete() {
		return nil, ErrResource
	}

	buf := make([]byte, 0, r.adv.TotalSize)
	r.mu.Lock()
	for _, p := range r.parts {
		buf = append(buf, p...)
	}
	r.mu.Unlock()

	out := buf
	if r.adv.Compressed {
		decompressed, err := decompress(buf)
		if err != nil {
			return nil, ErrResource
		}
		out = decompressed
	}

	if sha256.Sum256(out) != expectedHash {
		return nil, ErrHashMismatch
	}
	return out, nil
}

// Window exposes the receiver's current sliding window size, for tests,
// never reporting more than MaxWindow.
func (r *Receiver) Window() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.window > MaxWindow {
		return MaxWindow
	}
	return r.window
}

// retryJitterFraction bounds how far a scheduled retry may drift from its
// nominal deadline, so many parts scheduled off the same RTT estimate
// don't all come due in the same instant and re-request in lockstep.
const retryJitterFraction = 0.25

// retryRand sources that jitter. Never key material, so the CSPRNG-seeded
// math/rand replacement is enough; guarded because math/rand.Rand isn't
// itself safe for concurrent use, and RetryQueue.Schedule is called from
// whichever goroutine notices a timeout.
var retryRand = struct {
	mu  sync.Mutex
	src *rand.Rand
}{src: csprng.New()}

func jitter(d time.Duration, frac float64) time.Duration {
	retryRand.mu.Lock()
	f := retryRand.src.Float64()
	retryRand.mu.Unlock()
	delta := time.Duration(float64(d) * frac * (2*f - 1))
	return d + delta
}

// nextDeadline computes the timeout for one outstanding part request,
// per §4.7: "resource part 4x current RTT", jittered per retryJitterFraction.
func nextDeadline(rtt time.Duration) time.Duration {
	if rtt <= 0 {
		rtt = 200 * time.Millisecond
	}
	return jitter(4*rtt, retryJitterFraction)
}

// RetryQueue schedules part re-requests by deadline, using the same
// min-heap the routing core's path table uses for expiry ordering.
type RetryQueue struct {
	q *queue.PriorityQueue
}

// NewRetryQueue returns an empty RetryQueue.
func NewRetryQueue() *RetryQueue { return &RetryQueue{q: queue.New()} }

// Schedule arranges for index to be reconsidered for a re-request once rtt
// has elapsed 4x over, per nextDeadline.
func (q *RetryQueue) Schedule(now time.Time, rtt time.Duration, index int) {
	deadline := now.Add(nextDeadline(rtt))
	q.q.Enqueue(uint64(deadline.UnixNano()), index)
}

// Due pops and returns every scheduled index whose deadline has passed.
func (q *RetryQueue) Due(now time.Time) []int {
	var out []int
	for {
		e := q.q.Peek()
		if e == nil || e.Priority > uint64(now.UnixNano()) {
			return out
		}
		q.q.Pop()
		out = append(out, e.Value.(int))
	}
}
