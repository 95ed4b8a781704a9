package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func mkAddr(b byte) [AddressSize]byte {
	var a [AddressSize]byte
	for i := range a {
		a[i] = b
	}
	return a
}

// TestPacketCodecRoundtrip is property P2: decode(encode(P)) == P
// byte-for-byte for well-formed packets within MDU.
func TestPacketCodecRoundtrip(t *testing.T) {
	require := require.New(t)

	cases := []*Packet{
		{
			HeaderType: HeaderType1,
			DestType:   DestPlain,
			PacketType: PacketData,
			HopCount:   3,
			Addresses:  [][AddressSize]byte{mkAddr(0xAA)},
			Payload:    []byte("hello mesh"),
		},
		{
			IFAC:       true,
			HeaderType: HeaderType2,
			ContextSet: true,
			Transport:  true,
			DestType:   DestSingle,
			PacketType: PacketAnnounce,
			HopCount:   127,
			Addresses:  [][AddressSize]byte{mkAddr(0x01), mkAddr(0x02)},
			Context:    0x42,
			Payload:    make([]byte, SingleMaxPayload),
		},
		{
			HeaderType: HeaderType1,
			DestType:   DestLink,
			PacketType: PacketLinkRequest,
			HopCount:   0,
			Addresses:  [][AddressSize]byte{mkAddr(0xFF)},
			Payload:    []byte{},
		},
	}

	for _, p := range cases {
		encoded, err := Encode(p)
		require.NoError(err)
		require.LessOrEqual(len(encoded), MaxPacketSize)

		decoded, err := Decode(encoded)
		require.NoError(err)
		require.Equal(p, decoded)

		reencoded, err := Encode(decoded)
		require.NoError(err)
		require.Equal(encoded, reencoded)
	}
}

// TestPacketMDU is property P3.
func TestPacketMDU(t *testing.T) {
	require := require.New(t)

	ok := &Packet{
		HeaderType: HeaderType1,
		DestType:   DestSingle,
		PacketType: PacketData,
		Addresses:  [][AddressSize]byte{mkAddr(0x01)},
		Payload:    make([]byte, SingleMaxPayload),
	}
	encoded, err := Encode(ok)
	require.NoError(err)
	require.LessOrEqual(len(encoded), MaxPacketSize)

	tooBig := &Packet{
		HeaderType: HeaderType1,
		DestType:   DestSingle,
		PacketType: PacketData,
		Addresses:  [][AddressSize]byte{mkAddr(0x01)},
		Payload:    make([]byte, SingleMaxPayload+1),
	}
	_, err = Encode(tooBig)
	require.ErrorIs(err, ErrProtocol)
}

func TestDecodeRejectsOversizedPacket(t *testing.T) {
	require := require.New(t)

	data := make([]byte, MaxPacketSize+1)
	_, err := Decode(data)
	require.ErrorIs(err, ErrProtocol)
}

func TestDecodeRejectsTruncatedAddress(t *testing.T) {
	require := require.New(t)

	// HeaderType2 demands 32 bytes of address; give it 10.
	data := []byte{0b0100_0000, 0x00}
	data = append(data, make([]byte, 10)...)
	_, err := Decode(data)
	require.ErrorIs(err, ErrProtocol)
}

func TestDecodeRejectsTruncatedContext(t *testing.T) {
	require := require.New(t)

	// ContextSet bit on, header type 1 (16-byte address), but no context
	// byte follows.
	data := []byte{0b0010_0000, 0x00}
	data = append(data, make([]byte, AddressSize)...)
	_, err := Decode(data)
	require.ErrorIs(err, ErrProtocol)
}

func TestAddressAccessors(t *testing.T) {
	require := require.New(t)

	p := &Packet{
		HeaderType: HeaderType2,
		DestType:   DestGroup,
		PacketType: PacketData,
		Addresses:  [][AddressSize]byte{mkAddr(0x11), mkAddr(0x22)},
		Payload:    []byte{},
	}
	tid, ok := p.TransportID()
	require.True(ok)
	require.Equal(mkAddr(0x11), tid)
	require.Equal(mkAddr(0x22), p.DestinationHash())

	p1 := &Packet{
		HeaderType: HeaderType1,
		DestType:   DestPlain,
		PacketType: PacketData,
		Addresses:  [][AddressSize]byte{mkAddr(0x33)},
		Payload:    []byte{},
	}
	_, ok = p1.TransportID()
	require.False(ok)
	require.Equal(mkAddr(0x33), p1.DestinationHash())
}
