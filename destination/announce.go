package destination

import (
	"crypto/ed25519"
	"errors"
	"io"

	"github.com/meshlink/meshlink/crypto"
	"github.com/meshlink/meshlink/identity"
)

const randomBlobSize = 16

var (
	// ErrAnnounceNotSingle is returned building an announce for anything
	// but a SINGLE/IN destination: only identity-bound destinations can
	// be signed and announced.
	ErrAnnounceNotSingle = errors.New("destination: only a SINGLE/IN destination can be announced")

	// ErrAnnounceMalformed is returned parsing a truncated or
	// inconsistently-flagged announce payload.
	ErrAnnounceMalformed = errors.New("destination: malformed announce payload")

	// ErrAnnounceBadSignature is returned when the embedded Ed25519
	// signature does not verify. Per §4.4, such an announce is silently
	// dropped by the caller; this error is what triggers that drop.
	ErrAnnounceBadSignature = errors.New("destination: announce signature invalid")
)

const (
	ratchetFlagBit byte = 1 << 0
)

// AnnounceInfo is the parsed, signature-verified content of an announce
// payload.
type AnnounceInfo struct {
	Address     [identity.AddressSize]byte
	X25519Pub   crypto.X25519PublicKey
	Ed25519Pub  ed25519.PublicKey
	RatchetPub  *crypto.X25519PublicKey // nil if the announce carried none
	AppData     []byte
}

// BuildAnnounce serializes and signs an announce for dest, per §4.4:
//
//	address || flags(1) || x25519_pub || ed25519_pub || [ratchet_pub]? || random(16) || app_data || sig
//
// dest must be a SINGLE/IN destination (it must hold the private Ed25519
// key to sign with). If dest has a RatchetRing with a current key, that
// key's public half is included so peers can build forward-secret ECIES
// ciphertexts against it.
func BuildAnnounce(rnd io.Reader, dest *Destination, appData []byte) ([]byte, error) {
	if dest.Type() != Single || dest.Direction() != In || dest.Identity() == nil || !dest.Identity().HasPrivateKey() {
		return nil, ErrAnnounceNotSingle
	}

	var ratchetPub *crypto.X25519PublicKey
	if dest.Ratchets() != nil {
		if k, ok := dest.Ratchets().Current(); ok {
			ratchetPub = k.PublicKey()
		}
	}

	blob := make([]byte, randomBlobSize)
	if _, err := io.ReadFull(rnd, blob); err != nil {
		return nil, err
	}

	signed := announceSignedPortion(dest.Address(), dest.Identity().X25519PublicKey(), dest.Identity().Ed25519PublicKey(), ratchetPub, blob, appData)

	sig, err := dest.Identity().Sign(signed)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, len(signed)+ed25519.SignatureSize)
	out = append(out, signed...)
	out = append(out, sig...)
	return out, nil
}

func announceSignedPortion(addr [identity.AddressSize]byte, x25519Pub *crypto.X25519PublicKey, ed25519Pub ed25519.PublicKey, ratchetPub *crypto.X25519PublicKey, blob, appData []byte) []byte {
	flags := byte(0)
	if ratchetPub != nil {
		flags |= ratchetFlagBit
	}

	out := make([]byte, 0, identity.AddressSize+1+crypto.X25519PublicKeySize+ed25519.PublicKeySize+crypto.X25519PublicKeySize+randomBlobSize+len(appData))
	out = append(out, addr[:]...)
	out = append(out, flags)
	out = append(out, x25519Pub.Bytes()...)
	out = append(out, ed25519Pub...)
	if ratchetPub != nil {
		out = append(out, ratchetPub.Bytes()...)
	}
	out = append(out, blob...)
	out = append(out, appData...)
	return out
}

// VerifyAnnounce parses an announce payload and verifies its embedded
// Ed25519 signature. A malformed payload returns ErrAnnounceMalformed; a
// well-formed payload with an invalid signature returns
// ErrAnnounceBadSignature. Callers MUST treat both as "drop the packet,
// do not mutate the path table" per §4.4/P4.
func VerifyAnnounce(payload []byte) (*AnnounceInfo, error) {
	const fixedPrefix = identity.AddressSize + 1 + crypto.X25519PublicKeySize + ed25519.PublicKeySize
	if len(payload) < fixedPrefix+ed25519.SignatureSize {
		return nil, ErrAnnounceMalformed
	}

	info := &AnnounceInfo{}
	off := 0
	copy(info.Address[:], payload[off:off+identity.AddressSize])
	off += identity.AddressSize

	flags := payload[off]
	off++

	if err := info.X25519Pub.FromBytes(payload[off : off+crypto.X25519PublicKeySize]); err != nil {
		return nil, ErrAnnounceMalformed
	}
	off += crypto.X25519PublicKeySize

	info.Ed25519Pub = make(ed25519.PublicKey, ed25519.PublicKeySize)
	copy(info.Ed25519Pub, payload[off:off+ed25519.PublicKeySize])
	off += ed25519.PublicKeySize

	if flags&ratchetFlagBit != 0 {
		if len(payload) < off+crypto.X25519PublicKeySize+randomBlobSize+ed25519.SignatureSize {
			return nil, ErrAnnounceMalformed
		}
		info.RatchetPub = new(crypto.X25519PublicKey)
		if err := info.RatchetPub.FromBytes(payload[off : off+crypto.X25519PublicKeySize]); err != nil {
			return nil, ErrAnnounceMalformed
		}
		off += crypto.X25519PublicKeySize
	}

	if len(payload) < off+randomBlobSize+ed25519.SignatureSize {
		return nil, ErrAnnounceMalformed
	}
	off += randomBlobSize // random blob is not surfaced to callers

	appDataEnd := len(payload) - ed25519.SignatureSize
	info.AppData = append([]byte{}, payload[off:appDataEnd]...)
	sig := payload[appDataEnd:]

	if !crypto.Ed25519Verify(info.Ed25519Pub, payload[:appDataEnd], sig) {
		return nil, ErrAnnounceBadSignature
	}

	return info, nil
}
