// Package adapters holds the external-collaborator boundary named in §6:
// identity file persistence, the executor contract's reference double,
// session policy construction from already-parsed values, and the
// server/client configuration shapes. None of it loads a config file from
// disk or parses a CLI flag set — that belongs to the command-line
// front end, an explicit non-goal of the core.
package adapters

import (
	"crypto/rand"
	"fmt"
	"os"

	"github.com/meshlink/meshlink/identity"
	"github.com/meshlink/meshlink/internal/zerobuf"
)

// identityFileMode is the permission LoadOrGenerateIdentity writes new
// identity files with. §6 leaves enforcing owner-only mode to the
// caller; this adapter is that caller.
const identityFileMode = 0o600

// LoadOrGenerateIdentity loads the opaque identity blob at path if it
// exists, or generates a fresh Identity and persists it there. Grounded
// on the teacher's EnvelopeKeyFromFiles existence-gated load-or-generate
// pattern, adapted from a public/private PEM pair to §6's single opaque
// blob (`x25519_priv(32) || ed25519_priv(64)`).
func LoadOrGenerateIdentity(path string) (*identity.Identity, error) {
	if zerobuf.Exists(path) {
		return LoadIdentity(path)
	}
	id, err := identity.Generate(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("adapters: generate identity: %w", err)
	}
	if err := SaveIdentity(path, id); err != nil {
		return nil, err
	}
	return id, nil
}

// LoadIdentity reads and parses an identity file previously written by
// SaveIdentity. The blob is treated as opaque: identity.Load owns its
// layout.
func LoadIdentity(path string) (*identity.Identity, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("adapters: read identity file: %w", err)
	}
	defer zerobuf.ExplicitBzero(blob)
	id, err := identity.Load(blob)
	if err != nil {
		return nil, fmt.Errorf("adapters: parse identity file %s: %w", path, err)
	}
	return id, nil
}

// SaveIdentity serializes id's private key material to path with
// owner-only permissions.
func SaveIdentity(path string, id *identity.Identity) error {
	blob := id.Save()
	defer zerobuf.ExplicitBzero(blob)
	if err := os.WriteFile(path, blob, identityFileMode); err != nil {
		return fmt.Errorf("adapters: write identity file: %w", err)
	}
	return nil
}
