package crypto

import (
	"crypto/sha256"
	"crypto/sha512"
)

// SHA256 returns the SHA-256 digest of data.
func SHA256(data ...[]byte) [32]byte {
	h := sha256.New()
	for _, d := range data {
		h.Write(d)
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// SHA512 returns the SHA-512 digest of data.
func SHA512(data ...[]byte) [64]byte {
	h := sha512.New()
	for _, d := range data {
		h.Write(d)
	}
	var out [64]byte
	copy(out[:], h.Sum(nil))
	return out
}
