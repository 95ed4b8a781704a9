// Package crypto implements the cryptographic primitives layer: X25519
// ECDH, Ed25519 signatures, HKDF-SHA256, the AES-256-CBC+HMAC-SHA256
// "Token" cipher, and the supporting hash functions. Grounded on the
// teacher's crypto/ecdh.PrivateKey/PublicKey wrapper, generalized from a
// single NIKE adapter into the full primitive set this spec names.
package crypto

import (
	"io"

	"golang.org/x/crypto/curve25519"
)

const (
	// GroupElementLength is the length in bytes of an X25519 group element.
	GroupElementLength = 32

	// X25519PublicKeySize is the size of a serialized X25519 public key.
	X25519PublicKeySize = GroupElementLength

	// X25519PrivateKeySize is the size of a serialized X25519 private key.
	X25519PrivateKeySize = GroupElementLength
)

// X25519PublicKey is a 32-byte Curve25519 group element.
type X25519PublicKey [X25519PublicKeySize]byte

// Bytes returns the raw public key.
func (k *X25519PublicKey) Bytes() []byte { return k[:] }

// FromBytes deserializes b into the public key.
func (k *X25519PublicKey) FromBytes(b []byte) error {
	if len(b) != X25519PublicKeySize {
		return ErrInvalidKeySize
	}
	copy(k[:], b)
	return nil
}

// X25519PrivateKey is a 32-byte Curve25519 scalar.
type X25519PrivateKey [X25519PrivateKeySize]byte

// Bytes returns the raw private key.
func (k *X25519PrivateKey) Bytes() []byte { return k[:] }

// FromBytes deserializes b into the private key.
func (k *X25519PrivateKey) FromBytes(b []byte) error {
	if len(b) != X25519PrivateKeySize {
		return ErrInvalidKeySize
	}
	copy(k[:], b)
	return nil
}

// PublicKey derives the public counterpart of the private scalar.
func (k *X25519PrivateKey) PublicKey() *X25519PublicKey {
	pub := new(X25519PublicKey)
	curve25519.ScalarBaseMult((*[32]byte)(pub), (*[32]byte)(k))
	return pub
}

// ECDH computes the X25519 shared secret with the given public key.
func (k *X25519PrivateKey) ECDH(pub *X25519PublicKey) []byte {
	var out [32]byte
	curve25519.ScalarMult(&out, (*[32]byte)(k), (*[32]byte)(pub))
	return out[:]
}

// Reset scrubs the private scalar from memory.
func (k *X25519PrivateKey) Reset() {
	for i := range k {
		k[i] = 0
	}
}

// NewX25519Keypair generates a new X25519 keypair sampled from r, which
// MUST be a cryptographically secure source (crypto/rand.Reader in
// production, a deterministic reader only in tests).
func NewX25519Keypair(r io.Reader) (*X25519PrivateKey, error) {
	priv := new(X25519PrivateKey)
	if _, err := io.ReadFull(r, priv[:]); err != nil {
		return nil, err
	}
	return priv, nil
}
