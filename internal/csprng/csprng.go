// Package csprng provides a cryptographically seeded math/rand replacement,
// for use anywhere jitter or backoff needs randomness but not a key.
package csprng

import (
	cryptorand "crypto/rand"
	"encoding/binary"
	"io"
	"math/rand"
	"sync"

	"github.com/katzenpost/chacha20"

	"github.com/meshlink/meshlink/internal/zerobuf"
)

const seedSize = chacha20.KeySize

var mNonce [chacha20.NonceSize]byte

type randSource struct {
	sync.Mutex
	s   *chacha20.Cipher
	off int
}

func (s *randSource) feedForward() {
	var seed [chacha20.KeySize]byte
	defer zerobuf.ExplicitBzero(seed[:])
	s.s.KeyStream(seed[:])
	if s.s.ReKey(seed[:], mNonce[:]) != nil {
		panic("csprng: chacha20 ReKey failed, not expected")
	}
	s.off = 0
}

func (s *randSource) Uint64() uint64 {
	s.Lock()
	defer s.Unlock()

	if s.off+8 > chacha20.BlockSize-seedSize {
		s.feedForward()
	}

	s.off += 8

	var tmp [8]byte
	s.s.KeyStream(tmp[:])
	return binary.LittleEndian.Uint64(tmp[:])
}

func (s *randSource) Int63() int64 {
	ret := s.Uint64()
	return int64(ret & ((1 << 63) - 1))
}

func (s *randSource) Seed(int64) {
	var seed [chacha20.KeySize]byte
	defer zerobuf.ExplicitBzero(seed[:])
	if _, err := io.ReadFull(cryptorand.Reader, seed[:]); err != nil {
		panic("csprng: failed to read entropy: " + err.Error())
	}
	if err := s.s.ReKey(seed[:], mNonce[:]); err != nil {
		panic("csprng: chacha20 ReKey failed, not expected")
	}
	s.off = 0
}

// New returns a "cryptographically secure" math/rand.Rand, seeded once from
// crypto/rand.Reader and re-keyed from its own ChaCha20 keystream every
// time the current keystream block is used up. Actual key material is
// never sourced from this; it only feeds retry jitter in routing and
// resource.
func New() *rand.Rand {
	s := new(randSource)
	s.s = new(chacha20.Cipher)
	s.Seed(0)
	return rand.New(s)
}
