package crypto

import (
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"
)

// DeriveHKDF derives length bytes of key material via HKDF-SHA256, given
// explicit salt/info/ikm, matching the teacher's Reunion kdf() use of
// golang.org/x/crypto/hkdf with an explicit salt rather than letting
// Extract default to a zero salt.
func DeriveHKDF(salt, ikm, info []byte, length int) ([]byte, error) {
	r := hkdf.New(sha256.New, ikm, salt, info)
	out := make([]byte, length)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}
	return out, nil
}
