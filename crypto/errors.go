package crypto

import "errors"

// ErrAuth is returned when a Token cipher's HMAC fails to verify, or an
// Ed25519 signature fails verification. Per the error handling design,
// crypto failures never reveal more detail than this to a peer.
var ErrAuth = errors.New("crypto: authentication failed")

// ErrDecrypt is returned when ECIES decryption cannot proceed (truncated
// ciphertext, wrong ephemeral key length) prior to the authentication
// check itself running.
var ErrDecrypt = errors.New("crypto: decryption failed")

// ErrInvalidKeySize is returned when a key or key-derived material is not
// the length the caller's primitive requires.
var ErrInvalidKeySize = errors.New("crypto: invalid key size")
