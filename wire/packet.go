// Package wire implements the packet codec: bit-exact wire serialization
// and deserialization of the four reticulum-style packet types over the
// 500-byte MTU. Grounded on the teacher's core/wire/commands.Commands
// codec — a byte-0 type tag, explicit big-endian length fields, and a
// FromBytes dispatcher that validates before it trusts — generalized from
// a length-prefixed command set to the spec's bit-packed header.
package wire

import "errors"

const (
	// MaxPacketSize is the maximum size in bytes of an encoded packet on
	// the wire, header through payload.
	MaxPacketSize = 500

	// AddressSize is the length in bytes of a single address field.
	AddressSize = 16

	// MaxHopCount (PATHFINDER_M) is the hop count at or beyond which a
	// packet is dropped rather than retransmitted (§4.5 P6).
	MaxHopCount = 128

	// SingleMaxPayload is the maximum payload size for a SINGLE
	// destination packet, whose payload is always already
	// ECIES-encrypted and so bounded tighter than the header/address
	// overhead alone would require.
	SingleMaxPayload = 383

	// PlainMaxPayload is the maximum payload size for every other
	// destination type, whose payload either carries cleartext (PLAIN)
	// or is encrypted by a cipher with smaller framing overhead than
	// ECIES (GROUP's pre-shared Token cipher, LINK's link keys).
	PlainMaxPayload = 464
)

// HeaderType selects between a single destination-hash address field and
// a two-address field carrying an explicit transport id ahead of the
// destination hash.
type HeaderType uint8

const (
	HeaderType1 HeaderType = 0 // one address: destination hash
	HeaderType2 HeaderType = 1 // two addresses: transport id, destination hash
)

// DestType is the type of the packet's destination.
type DestType uint8

const (
	DestSingle DestType = 0
	DestGroup  DestType = 1
	DestPlain  DestType = 2
	DestLink   DestType = 3
)

// PacketType is the type of the packet itself.
type PacketType uint8

const (
	PacketData        PacketType = 0
	PacketAnnounce    PacketType = 1
	PacketLinkRequest PacketType = 2
	PacketProof       PacketType = 3
)

var (
	// ErrProtocol is returned for any malformed packet: wrong total
	// size, truncated address/context fields, or a payload that exceeds
	// the per-type MDU. Per §7 this is a dropped-packet condition, never
	// a panic.
	ErrProtocol = errors.New("wire: protocol error")
)

// Packet is a decoded reticulum-style packet. The zero value is not a
// well-formed packet; build one with New or obtain one from Decode.
type Packet struct {
	IFAC       bool
	HeaderType HeaderType
	ContextSet bool
	Transport  bool // false = broadcast propagation, true = transport propagation
	DestType   DestType
	PacketType PacketType
	HopCount   uint8

	// Addresses holds one entry for HeaderType1 (the destination hash)
	// or two for HeaderType2 (transport id, then destination hash).
	Addresses [][AddressSize]byte

	Context byte // meaningful only if ContextSet
	Payload []byte
}

// DestinationHash returns the destination address, which is always the
// last entry in Addresses regardless of header type.
func (p *Packet) DestinationHash() [AddressSize]byte {
	return p.Addresses[len(p.Addresses)-1]
}

// TransportID returns the transport id carried by a HeaderType2 packet,
// and ok=false for HeaderType1 packets.
func (p *Packet) TransportID() (id [AddressSize]byte, ok bool) {
	if p.HeaderType != HeaderType2 {
		return id, false
	}
	return p.Addresses[0], true
}

func maxPayloadFor(destType DestType) int {
	if destType == DestSingle {
		return SingleMaxPayload
	}
	return PlainMaxPayload
}

// Encode serializes p to its wire representation. It refuses to encode a
// packet whose payload exceeds the per-type MDU, or whose Addresses count
// disagrees with its HeaderType.
func Encode(p *Packet) ([]byte, error) {
	addrCount := 1
	if p.HeaderType == HeaderType2 {
		addrCount = 2
	}
	if len(p.Addresses) != addrCount {
		return nil, ErrProtocol
	}

	maxPayload := maxPayloadFor(p.DestType)
	if len(p.Payload) > maxPayload {
		return nil, ErrProtocol
	}

	size := 2 + addrCount*AddressSize + len(p.Payload)
	if p.ContextSet {
		size++
	}
	if size > MaxPacketSize {
		return nil, ErrProtocol
	}

	out := make([]byte, 0, size)
	out = append(out, encodeHeaderByte1(p), p.HopCount)
	for _, addr := range p.Addresses {
		out = append(out, addr[:]...)
	}
	if p.ContextSet {
		out = append(out, p.Context)
	}
	out = append(out, p.Payload...)

	return out, nil
}

func encodeHeaderByte1(p *Packet) byte {
	var b byte
	if p.IFAC {
		b |= 1 << 7
	}
	if p.HeaderType == HeaderType2 {
		b |= 1 << 6
	}
	if p.ContextSet {
		b |= 1 << 5
	}
	if p.Transport {
		b |= 1 << 4
	}
	b |= byte(p.DestType&0x3) << 2
	b |= byte(p.PacketType & 0x3)
	return b
}

// Decode parses a wire-format packet. It rejects packets longer than
// MaxPacketSize, truncated address or context fields, and payloads that
// exceed the per-type MDU — all as ErrProtocol, never a panic.
func Decode(data []byte) (*Packet, error) {
	if len(data) < 2 || len(data) > MaxPacketSize {
		return nil, ErrProtocol
	}

	b1, b2 := data[0], data[1]
	p := &Packet{
		IFAC:       b1&(1<<7) != 0,
		ContextSet: b1&(1<<5) != 0,
		Transport:  b1&(1<<4) != 0,
		DestType:   DestType((b1 >> 2) & 0x3),
		PacketType: PacketType(b1 & 0x3),
		HopCount:   b2,
	}
	if b1&(1<<6) != 0 {
		p.HeaderType = HeaderType2
	} else {
		p.HeaderType = HeaderType1
	}

	addrCount := 1
	if p.HeaderType == HeaderType2 {
		addrCount = 2
	}

	rest := data[2:]
	addrBytes := addrCount * AddressSize
	if len(rest) < addrBytes {
		return nil, ErrProtocol
	}

	p.Addresses = make([][AddressSize]byte, addrCount)
	for i := 0; i < addrCount; i++ {
		copy(p.Addresses[i][:], rest[i*AddressSize:(i+1)*AddressSize])
	}
	rest = rest[addrBytes:]

	if p.ContextSet {
		if len(rest) < 1 {
			return nil, ErrProtocol
		}
		p.Context = rest[0]
		rest = rest[1:]
	}

	if len(rest) > maxPayloadFor(p.DestType) {
		return nil, ErrProtocol
	}
	p.Payload = make([]byte, len(rest))
	copy(p.Payload, rest)

	return p, nil
}
