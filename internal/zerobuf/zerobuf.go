// Package zerobuf provides small helpers for scrubbing key material from
// memory and for the filesystem existence check the adapters layer needs
// (identity file presence).
package zerobuf

import (
	"errors"
	"os"
	"runtime"
)

// ExplicitBzero explicitly clears out the buffer b, by filling it with 0x00
// bytes, and pins b live across the clear so the compiler cannot elide it.
//
//go:noinline
func ExplicitBzero(b []byte) {
	for i := range b {
		b[i] = 0
	}
	runtime.KeepAlive(b)
}

// Exists returns true iff the named path exists.
func Exists(f string) bool {
	if _, err := os.Stat(f); err == nil {
		return true
	} else if errors.Is(err, os.ErrNotExist) {
		return false
	} else {
		panic(err)
	}
}

// BothExist returns true iff both a and b exist.
func BothExist(a, b string) bool {
	return Exists(a) && Exists(b)
}

// NeitherExists returns true iff neither a nor b exists.
func NeitherExists(a, b string) bool {
	return !Exists(a) && !Exists(b)
}
