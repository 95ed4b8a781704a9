// Package identity implements the dual-keypair (X25519 + Ed25519)
// cryptographic principal the rest of the stack addresses peers by.
// Grounded on the teacher's crypto/ecdh.PrivateKey/PublicKey pairing of
// raw key bytes with a derived, cached representation (there: a hex
// string; here: the 16-byte mesh address).
package identity

import (
	"crypto/ed25519"
	"errors"
	"io"

	"github.com/meshlink/meshlink/crypto"
)

// AddressSize is the length in bytes of a truncated identity/destination
// address.
const AddressSize = 16

// FullHashSize is the length in bytes of the untruncated identity hash.
const FullHashSize = 32

var (
	// ErrNoPrivateKey is returned by Sign/Decrypt on a public-only Identity.
	ErrNoPrivateKey = errors.New("identity: no private key material")

	// ErrMalformedBlob is returned by Load on a blob of the wrong size.
	ErrMalformedBlob = errors.New("identity: malformed serialized identity")
)

// serializedFullIdentitySize is the length of the fixed binary layout
// named in §6: x25519 private (32) || ed25519 private (64).
const serializedFullIdentitySize = crypto.X25519PrivateKeySize + ed25519.PrivateKeySize

// Identity is a dual-keypair cryptographic principal. The zero value is
// not valid; construct with Generate, Load, or FromPublicBytes.
//
// An Identity built from public bytes alone (FromPublicBytes) can Verify
// and Encrypt, but Sign and Decrypt return ErrNoPrivateKey: the address is
// a pure function of the public halves, so both flavors compute it
// identically.
type Identity struct {
	x25519Priv *crypto.X25519PrivateKey
	x25519Pub  crypto.X25519PublicKey

	ed25519Priv ed25519.PrivateKey
	ed25519Pub  ed25519.PublicKey

	fullHash [FullHashSize]byte
	address  [AddressSize]byte
}

// Generate creates a new Identity with fresh key material read from r
// (crypto/rand.Reader in production).
func Generate(r io.Reader) (*Identity, error) {
	x25519Priv, err := crypto.NewX25519Keypair(r)
	if err != nil {
		return nil, err
	}
	ed25519Pub, ed25519Priv, err := crypto.NewEd25519Keypair(r)
	if err != nil {
		return nil, err
	}

	id := &Identity{
		x25519Priv:  x25519Priv,
		x25519Pub:   *x25519Priv.PublicKey(),
		ed25519Priv: ed25519Priv,
		ed25519Pub:  ed25519Pub,
	}
	id.deriveAddress()
	return id, nil
}

// FromPublicBytes constructs a public-only Identity (no signing or
// decryption capability) from a 32-byte X25519 public key concatenated
// with a 32-byte Ed25519 public key.
func FromPublicBytes(b []byte) (*Identity, error) {
	if len(b) != crypto.X25519PublicKeySize+ed25519.PublicKeySize {
		return nil, ErrMalformedBlob
	}

	id := &Identity{
		ed25519Pub: make(ed25519.PublicKey, ed25519.PublicKeySize),
	}
	if err := id.x25519Pub.FromBytes(b[:crypto.X25519PublicKeySize]); err != nil {
		return nil, err
	}
	copy(id.ed25519Pub, b[crypto.X25519PublicKeySize:])
	id.deriveAddress()
	return id, nil
}

// Load deserializes a full (private-key-bearing) Identity from the fixed
// binary layout x25519_priv(32) || ed25519_priv(64). The wire layout is
// deliberately treated as opaque by everything above this constructor;
// callers obtain the bytes from the identity-file adapter.
func Load(blob []byte) (*Identity, error) {
	if len(blob) != serializedFullIdentitySize {
		return nil, ErrMalformedBlob
	}

	x25519Priv := new(crypto.X25519PrivateKey)
	if err := x25519Priv.FromBytes(blob[:crypto.X25519PrivateKeySize]); err != nil {
		return nil, err
	}

	ed25519Priv := make(ed25519.PrivateKey, ed25519.PrivateKeySize)
	copy(ed25519Priv, blob[crypto.X25519PrivateKeySize:])

	id := &Identity{
		x25519Priv:  x25519Priv,
		x25519Pub:   *x25519Priv.PublicKey(),
		ed25519Priv: ed25519Priv,
		ed25519Pub:  ed25519Priv.Public().(ed25519.PublicKey),
	}
	id.deriveAddress()
	return id, nil
}

// Save serializes a full Identity to the fixed binary layout Load
// expects. Save panics if called on a public-only Identity, since there
// is nothing meaningful to persist: callers must check HasPrivateKey
// first.
func (id *Identity) Save() []byte {
	if !id.HasPrivateKey() {
		panic("identity: Save called on a public-only Identity")
	}
	out := make([]byte, 0, serializedFullIdentitySize)
	out = append(out, id.x25519Priv.Bytes()...)
	out = append(out, id.ed25519Priv...)
	return out
}

// HasPrivateKey reports whether this Identity can Sign and Decrypt.
func (id *Identity) HasPrivateKey() bool {
	return id.x25519Priv != nil && len(id.ed25519Priv) == ed25519.PrivateKeySize
}

func (id *Identity) deriveAddress() {
	id.fullHash = crypto.SHA256(id.x25519Pub.Bytes(), id.ed25519Pub)
	copy(id.address[:], id.fullHash[:AddressSize])
}

// Address returns the 16-byte truncated SHA-256 address derived from the
// public key material.
func (id *Identity) Address() [AddressSize]byte { return id.address }

// FullHash returns the untruncated 32-byte hash the address is derived
// from.
func (id *Identity) FullHash() [FullHashSize]byte { return id.fullHash }

// X25519PublicKey returns the identity's X25519 public key.
func (id *Identity) X25519PublicKey() *crypto.X25519PublicKey { return &id.x25519Pub }

// Ed25519PublicKey returns the identity's Ed25519 public key.
func (id *Identity) Ed25519PublicKey() ed25519.PublicKey { return id.ed25519Pub }

// PublicBytes returns the concatenation FromPublicBytes expects.
func (id *Identity) PublicBytes() []byte {
	out := make([]byte, 0, crypto.X25519PublicKeySize+ed25519.PublicKeySize)
	out = append(out, id.x25519Pub.Bytes()...)
	out = append(out, id.ed25519Pub...)
	return out
}

// Sign signs msg with the Ed25519 private key, returning a 64-byte
// signature.
func (id *Identity) Sign(msg []byte) ([]byte, error) {
	if !id.HasPrivateKey() {
		return nil, ErrNoPrivateKey
	}
	return crypto.Ed25519Sign(id.ed25519Priv, msg), nil
}

// Verify reports whether sig is a valid Ed25519 signature of msg under
// this Identity's public key.
func (id *Identity) Verify(msg, sig []byte) bool {
	return crypto.Ed25519Verify(id.ed25519Pub, msg, sig)
}

// Encrypt implements the ECIES composition of §4.2 for sending to this
// Identity: ephemeral X25519 + HKDF(salt=this Identity's address) +
// Token-encrypt, with the ephemeral public key prefixed to the result.
func (id *Identity) Encrypt(plaintext []byte) ([]byte, error) {
	return crypto.EciesEncrypt(&id.x25519Pub, id.address[:], plaintext)
}

// Decrypt is the inverse of Encrypt, run by the holder of the private
// key. It returns crypto.ErrAuth if the embedded Token cipher's HMAC does
// not verify against this Identity's derived key.
func (id *Identity) Decrypt(ciphertext []byte) ([]byte, error) {
	if !id.HasPrivateKey() {
		return nil, ErrNoPrivateKey
	}
	return crypto.EciesDecrypt(id.x25519Priv, id.address[:], ciphertext)
}
