// Package destination implements the named, typed endpoint model of §3/§4.4:
// SINGLE/GROUP/PLAIN/LINK destinations, their address derivation, announce
// construction/verification, and ratchet key ring management. Grounded on
// the teacher's core/pki.Document, whose descriptor fields are likewise a
// typed, addressable, signed unit with an explicit Verify step gating
// acceptance into routing state.
package destination

import (
	"errors"
	"strings"

	"github.com/meshlink/meshlink/crypto"
	"github.com/meshlink/meshlink/identity"
)

// Type is the destination's type, matching the four values the packet
// codec's DestType field encodes.
type Type uint8

const (
	Single Type = iota
	Group
	Plain
	Link
)

func (t Type) String() string {
	switch t {
	case Single:
		return "single"
	case Group:
		return "group"
	case Plain:
		return "plain"
	case Link:
		return "link"
	default:
		return "unknown"
	}
}

// Direction is whether a Destination is owned locally (IN, receives) or
// points at a remote peer (OUT, sends).
type Direction uint8

const (
	In Direction = iota
	Out
)

// GroupKeySize is the length in bytes of a GROUP destination's
// pre-shared symmetric key.
const GroupKeySize = 32

var (
	// ErrSingleOutNeedsPeerIdentity is returned constructing a SINGLE/OUT
	// destination without a peer public identity.
	ErrSingleOutNeedsPeerIdentity = errors.New("destination: SINGLE/OUT requires a peer public identity")

	// ErrSingleInNeedsPrivateIdentity is returned constructing a
	// SINGLE/IN destination without an owned private identity.
	ErrSingleInNeedsPrivateIdentity = errors.New("destination: SINGLE/IN requires an owned private identity")

	// ErrGroupNeedsKey is returned constructing a GROUP destination
	// without a 32-byte pre-shared key.
	ErrGroupNeedsKey = errors.New("destination: GROUP requires a 32-byte pre-shared key")

	// ErrPlainForbidsIdentityOrKey is returned constructing a PLAIN
	// destination that was given an identity or symmetric key.
	ErrPlainForbidsIdentityOrKey = errors.New("destination: PLAIN permits neither an identity nor a symmetric key")

	// ErrEmptyName is returned constructing a Destination with no
	// hierarchical name.
	ErrEmptyName = errors.New("destination: name must not be empty")
)

// Destination is a named, typed endpoint to which packets may be
// addressed.
type Destination struct {
	address   [identity.AddressSize]byte
	typ       Type
	direction Direction
	name      string // app.aspect1...aspectN

	id       *identity.Identity // bound identity, SINGLE only
	groupKey []byte             // 32 bytes, GROUP only

	ratchets *RatchetRing
}

// New constructs a Destination, enforcing the per-type binding invariants
// of §3. id is required (and must carry a private key) for SINGLE/IN,
// required (public-only is fine) for SINGLE/OUT, and forbidden otherwise.
// groupKey is required, exactly GroupKeySize bytes, for GROUP, and
// forbidden otherwise.
func New(direction Direction, typ Type, name string, id *identity.Identity, groupKey []byte) (*Destination, error) {
	if name == "" {
		return nil, ErrEmptyName
	}

	switch typ {
	case Single:
		if groupKey != nil {
			return nil, ErrPlainForbidsIdentityOrKey
		}
		if id == nil {
			if direction == Out {
				return nil, ErrSingleOutNeedsPeerIdentity
			}
			return nil, ErrSingleInNeedsPrivateIdentity
		}
		if direction == In && !id.HasPrivateKey() {
			return nil, ErrSingleInNeedsPrivateIdentity
		}
	case Group:
		if id != nil {
			return nil, ErrPlainForbidsIdentityOrKey
		}
		if len(groupKey) != GroupKeySize {
			return nil, ErrGroupNeedsKey
		}
	case Plain, Link:
		if id != nil || groupKey != nil {
			return nil, ErrPlainForbidsIdentityOrKey
		}
	}

	d := &Destination{
		typ:       typ,
		direction: direction,
		name:      name,
		id:        id,
		groupKey:  groupKey,
	}
	if typ == Single && direction == In {
		d.ratchets = NewRatchetRing()
	}
	d.deriveAddress()
	return d, nil
}

func (d *Destination) deriveAddress() {
	nameHash := crypto.SHA256([]byte(d.name))

	var material []byte
	switch d.typ {
	case Single:
		material = d.id.PublicBytes()
	case Group:
		material = d.groupKey
	case Plain, Link:
		material = nil
	}

	full := crypto.SHA256(nameHash[:], material)
	copy(d.address[:], full[:identity.AddressSize])
}

// Address returns the 16-byte address this Destination is reachable at.
func (d *Destination) Address() [identity.AddressSize]byte { return d.address }

// Type returns the Destination's type.
func (d *Destination) Type() Type { return d.typ }

// Direction returns In or Out.
func (d *Destination) Direction() Direction { return d.direction }

// Name returns the fully-qualified hierarchical name (app.aspect1...).
func (d *Destination) Name() string { return d.name }

// Identity returns the bound identity, or nil if this Destination is not
// SINGLE.
func (d *Destination) Identity() *identity.Identity { return d.id }

// GroupKey returns the pre-shared symmetric key, or nil if this
// Destination is not GROUP.
func (d *Destination) GroupKey() []byte { return d.groupKey }

// Ratchets returns the owning RatchetRing for a SINGLE/IN destination, or
// nil otherwise.
func (d *Destination) Ratchets() *RatchetRing { return d.ratchets }

// AppName splits the hierarchical name into its leading app component and
// the remaining dot-separated aspects.
func AppName(name string) (app string, aspects []string) {
	parts := strings.Split(name, ".")
	if len(parts) == 0 {
		return "", nil
	}
	return parts[0], parts[1:]
}
