// Package session implements the command-session application layer of
// §4.10: length-prefixed message framing on top of an ACTIVE link,
// CONNECT/ACCEPT/REJECT handshake with allow-list policy, validated
// COMMAND_REQUEST dispatch to an injected executor, and an idle-driven
// PING/PONG watchdog distinct from the link layer's own RTT-derived
// keepalive. Grounded on the teacher's core/wire/commands package: a
// single-byte command tag ahead of a fixed or length-prefixed body,
// generalized here to the session's own message set.
package session

import (
	"encoding/binary"
	"errors"
)

// MessageType is the single-byte tag ahead of every framed message.
type MessageType byte

const (
	MsgConnect         MessageType = 0x01
	MsgAccept          MessageType = 0x02
	MsgReject          MessageType = 0x03
	MsgCommandRequest  MessageType = 0x10
	MsgCommandResponse MessageType = 0x11
	MsgDisconnect      MessageType = 0x20
	MsgAck             MessageType = 0x21
	MsgPing            MessageType = 0x30
	MsgPong            MessageType = 0x31
)

func (t MessageType) String() string {
	switch t {
	case MsgConnect:
		return "CONNECT"
	case MsgAccept:
		return "ACCEPT"
	case MsgReject:
		return "REJECT"
	case MsgCommandRequest:
		return "COMMAND_REQUEST"
	case MsgCommandResponse:
		return "COMMAND_RESPONSE"
	case MsgDisconnect:
		return "DISCONNECT"
	case MsgAck:
		return "ACK"
	case MsgPing:
		return "PING"
	case MsgPong:
		return "PONG"
	default:
		return "UNKNOWN"
	}
}

// ProtocolVersion is the only CONNECT version this layer accepts.
const ProtocolVersion = 1

const (
	// maxFrameSize bounds a whole frame (type + payload) at 1 MiB, §4.10.
	maxFrameSize = 1 << 20

	// frameHeaderSize is the 4-byte big-endian length prefix ahead of the
	// type byte. The length field counts everything after itself: the
	// type byte plus the payload.
	frameHeaderSize = 4

	// maxChunk is the plaintext bytes handed to one Link.Send call. The
	// link's DestLink packets carry up to wire.PlainMaxPayload ciphertext
	// bytes; 400 leaves headroom for the Token cipher's 48-byte IV+HMAC
	// overhead.
	maxChunk = 400
)

var (
	// ErrFrameTooLarge is returned by buildFrame for a message exceeding
	// maxFrameSize, and by the assembler for a peer-declared length doing
	// the same.
	ErrFrameTooLarge = errors.New("session: frame exceeds 1MiB")

	// ErrMalformed marks a frame or message body that failed to parse.
	ErrMalformed = errors.New("session: malformed message")
)

// buildFrame prepends the [length][type] header to payload.
func buildFrame(t MessageType, payload []byte) ([]byte, error) {
	total := 1 + len(payload)
	if frameHeaderSize+total > maxFrameSize {
		return nil, ErrFrameTooLarge
	}
	frame := make([]byte, frameHeaderSize+total)
	binary.BigEndian.PutUint32(frame[:frameHeaderSize], uint32(total))
	frame[frameHeaderSize] = byte(t)
	copy(frame[frameHeaderSize+1:], payload)
	return frame, nil
}

// frameAssembler reassembles the byte stream produced by chunked Link
// sends back into whole [type][payload] messages. It is not safe for
// concurrent use; callers serialize Feed calls themselves.
type frameAssembler struct {
	buf  []byte
	want int // -1 until the length prefix has arrived
}

func newFrameAssembler() frameAssembler {
	return frameAssembler{want: -1}
}

// Feed appends chunk to the reassembly buffer and reports a complete
// message when one is available. Any left-over bytes past a completed
// frame are retained for the next call.
func (a *frameAssembler) Feed(chunk []byte) (MessageType, []byte, bool, error) {
	a.buf = append(a.buf, chunk...)

	if a.want < 0 {
		if len(a.buf) < frameHeaderSize {
			return 0, nil, false, nil
		}
		total := binary.BigEndian.Uint32(a.buf[:frameHeaderSize])
		if frameHeaderSize+int(total) > maxFrameSize || total == 0 {
			return 0, nil, false, ErrFrameTooLarge
		}
		a.want = frameHeaderSize + int(total)
	}

	if len(a.buf) < a.want {
		return 0, nil, false, nil
	}

	frame := a.buf[:a.want]
	rest := append([]byte(nil), a.buf[a.want:]...)
	a.buf = rest
	a.want = -1

	msgType := MessageType(frame[frameHeaderSize])
	payload := frame[frameHeaderSize+1:]
	return msgType, payload, true, nil
}

func putString(dst []byte, s string) []byte {
	dst = append(dst, byte(len(s)>>8), byte(len(s)))
	return append(dst, s...)
}

func getString(src []byte) (string, []byte, error) {
	if len(src) < 2 {
		return "", nil, ErrMalformed
	}
	n := int(src[0])<<8 | int(src[1])
	src = src[2:]
	if len(src) < n {
		return "", nil, ErrMalformed
	}
	return string(src[:n]), src[n:], nil
}

func putBytes32(dst []byte, b []byte) []byte {
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(b)))
	dst = append(dst, n[:]...)
	return append(dst, b...)
}

func getBytes32(src []byte) ([]byte, []byte, error) {
	if len(src) < 4 {
		return nil, nil, ErrMalformed
	}
	n := binary.BigEndian.Uint32(src[:4])
	src = src[4:]
	if uint32(len(src)) < n {
		return nil, nil, ErrMalformed
	}
	return src[:n], src[n:], nil
}
