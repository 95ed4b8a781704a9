package crypto

import (
	"crypto/rand"
	"io"
)

// EciesEncrypt implements the ECIES composition named in §4.2: generate an
// ephemeral X25519 keypair, ECDH with the peer's public key, HKDF-SHA256
// with the given salt (the peer's address, for identity-level ECIES) and
// length-64 output, Token-encrypt plaintext under that output, and prefix
// the result with the ephemeral public key.
func EciesEncrypt(peerPub *X25519PublicKey, salt, plaintext []byte) ([]byte, error) {
	ephemeral, err := NewX25519Keypair(rand.Reader)
	if err != nil {
		return nil, err
	}
	return eciesEncryptWithEphemeral(ephemeral, peerPub, salt, plaintext)
}

func eciesEncryptWithEphemeral(ephemeral *X25519PrivateKey, peerPub *X25519PublicKey, salt, plaintext []byte) ([]byte, error) {
	shared := ephemeral.ECDH(peerPub)
	derived, err := DeriveHKDF(salt, shared, nil, TokenKeySize)
	if err != nil {
		return nil, err
	}

	token, err := TokenEncrypt(derived, plaintext)
	if err != nil {
		return nil, err
	}

	ephPub := ephemeral.PublicKey()
	out := make([]byte, 0, X25519PublicKeySize+len(token))
	out = append(out, ephPub.Bytes()...)
	out = append(out, token...)
	return out, nil
}

// EciesDecrypt is the inverse of EciesEncrypt: priv is the recipient's
// long-term (or link-ephemeral) X25519 private key, salt is the same
// value the sender used (the recipient's own address).
func EciesDecrypt(priv *X25519PrivateKey, salt, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < X25519PublicKeySize {
		return nil, ErrDecrypt
	}

	var ephPub X25519PublicKey
	if err := ephPub.FromBytes(ciphertext[:X25519PublicKeySize]); err != nil {
		return nil, ErrDecrypt
	}
	token := ciphertext[X25519PublicKeySize:]

	shared := priv.ECDH(&ephPub)
	derived, err := DeriveHKDF(salt, shared, nil, TokenKeySize)
	if err != nil {
		return nil, err
	}

	return TokenDecrypt(derived, token)
}

// newEphemeralFromReader generates an ephemeral X25519 key from r. Nothing
// in the module calls it.
func newEphemeralFromReader(r io.Reader) (*X25519PrivateKey, error) {
	return NewX25519Keypair(r)
}
