package crypto

import (
	"crypto/ed25519"
	"io"
)

// Ed25519PublicKeySize and Ed25519PrivateKeySize name the stdlib sizes
// under this package's naming convention, so callers never need to
// import crypto/ed25519 themselves.
const (
	Ed25519PublicKeySize  = ed25519.PublicKeySize
	Ed25519PrivateKeySize = ed25519.PrivateKeySize
	Ed25519SignatureSize  = ed25519.SignatureSize
)

// NewEd25519Keypair generates a new Ed25519 keypair from r.
func NewEd25519Keypair(r io.Reader) (ed25519.PublicKey, ed25519.PrivateKey, error) {
	return ed25519.GenerateKey(r)
}

// Ed25519Sign signs msg with priv, returning the 64-byte signature.
func Ed25519Sign(priv ed25519.PrivateKey, msg []byte) []byte {
	return ed25519.Sign(priv, msg)
}

// Ed25519Verify reports whether sig is a valid signature of msg under pub.
func Ed25519Verify(pub ed25519.PublicKey, msg, sig []byte) bool {
	if len(pub) != Ed25519PublicKeySize || len(sig) != Ed25519SignatureSize {
		return false
	}
	return ed25519.Verify(pub, msg, sig)
}
