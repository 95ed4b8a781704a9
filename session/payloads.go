package session

import (
	"crypto/ed25519"
	"encoding/binary"

	"github.com/meshlink/meshlink/crypto"
	"github.com/meshlink/meshlink/identity"
)

const identityPubSize = crypto.X25519PublicKeySize + ed25519.PublicKeySize

// connectMsg is the CONNECT body: protocol version, the connecting
// identity's public key material, and a signature over the link id
// proving possession of the matching private key. The link handshake
// itself is anonymous (ephemeral keys only), so this is the point at
// which a real identity is bound to the session.
type connectMsg struct {
	Version   byte
	ClientPub [identityPubSize]byte
	Sig       [ed25519.SignatureSize]byte
}

func encodeConnect(m connectMsg) []byte {
	out := make([]byte, 0, 1+identityPubSize+ed25519.SignatureSize)
	out = append(out, m.Version)
	out = append(out, m.ClientPub[:]...)
	out = append(out, m.Sig[:]...)
	return out
}

func decodeConnect(b []byte) (connectMsg, error) {
	var m connectMsg
	if len(b) != 1+identityPubSize+ed25519.SignatureSize {
		return m, ErrMalformed
	}
	m.Version = b[0]
	copy(m.ClientPub[:], b[1:1+identityPubSize])
	copy(m.Sig[:], b[1+identityPubSize:])
	return m, nil
}

// acceptMsg carries the fresh session id assigned by the server.
type acceptMsg struct {
	SessionID [identity.AddressSize]byte
}

func encodeAccept(m acceptMsg) []byte {
	out := make([]byte, identity.AddressSize)
	copy(out, m.SessionID[:])
	return out
}

func decodeAccept(b []byte) (acceptMsg, error) {
	var m acceptMsg
	if len(b) != identity.AddressSize {
		return m, ErrMalformed
	}
	copy(m.SessionID[:], b)
	return m, nil
}

// rejectMsg carries one of the §4.10 numeric error codes plus a
// human-readable reason.
type rejectMsg struct {
	Code   byte
	Reason string
}

func encodeReject(m rejectMsg) []byte {
	out := make([]byte, 0, 1+2+len(m.Reason))
	out = append(out, m.Code)
	return putString(out, m.Reason)
}

func decodeReject(b []byte) (rejectMsg, error) {
	var m rejectMsg
	if len(b) < 1 {
		return m, ErrMalformed
	}
	m.Code = b[0]
	reason, _, err := getString(b[1:])
	if err != nil {
		return m, err
	}
	m.Reason = reason
	return m, nil
}

// commandRequestMsg is a validated-on-receipt COMMAND_REQUEST body.
type commandRequestMsg struct {
	ReqID       uint64
	Command     string
	Args        []string
	Env         map[string]string
	TimeoutSecs uint32
	WorkingDir  string
}

func encodeCommandRequest(m commandRequestMsg) []byte {
	out := make([]byte, 8)
	binary.BigEndian.PutUint64(out, m.ReqID)
	out = putString(out, m.Command)

	out = append(out, byte(len(m.Args)>>8), byte(len(m.Args)))
	for _, a := range m.Args {
		out = putString(out, a)
	}

	out = append(out, byte(len(m.Env)>>8), byte(len(m.Env)))
	for k, v := range m.Env {
		out = putString(out, k)
		out = putString(out, v)
	}

	var timeout [4]byte
	binary.BigEndian.PutUint32(timeout[:], m.TimeoutSecs)
	out = append(out, timeout[:]...)
	out = putString(out, m.WorkingDir)
	return out
}

func decodeCommandRequest(b []byte) (commandRequestMsg, error) {
	var m commandRequestMsg
	if len(b) < 8 {
		return m, ErrMalformed
	}
	m.ReqID = binary.BigEndian.Uint64(b[:8])
	b = b[8:]

	cmd, b, err := getString(b)
	if err != nil {
		return m, err
	}
	m.Command = cmd

	if len(b) < 2 {
		return m, ErrMalformed
	}
	argc := int(b[0])<<8 | int(b[1])
	b = b[2:]
	m.Args = make([]string, 0, argc)
	for i := 0; i < argc; i++ {
		var a string
		a, b, err = getString(b)
		if err != nil {
			return m, err
		}
		m.Args = append(m.Args, a)
	}

	if len(b) < 2 {
		return m, ErrMalformed
	}
	envc := int(b[0])<<8 | int(b[1])
	b = b[2:]
	if envc > 0 {
		m.Env = make(map[string]string, envc)
	}
	for i := 0; i < envc; i++ {
		var k, v string
		k, b, err = getString(b)
		if err != nil {
			return m, err
		}
		v, b, err = getString(b)
		if err != nil {
			return m, err
		}
		m.Env[k] = v
	}

	if len(b) < 4 {
		return m, ErrMalformed
	}
	m.TimeoutSecs = binary.BigEndian.Uint32(b[:4])
	b = b[4:]

	wd, b, err := getString(b)
	if err != nil {
		return m, err
	}
	m.WorkingDir = wd
	_ = b
	return m, nil
}

// commandResponseMsg mirrors CommandResult over the wire, keyed back to
// the request id it answers.
type commandResponseMsg struct {
	ReqID     uint64
	Status    Status
	ExitCode  int32
	ElapsedMs uint64
	Stdout    []byte
	Stderr    []byte
}

func encodeCommandResponse(m commandResponseMsg) []byte {
	out := make([]byte, 8+1+4+8)
	binary.BigEndian.PutUint64(out[0:8], m.ReqID)
	out[8] = byte(m.Status)
	binary.BigEndian.PutUint32(out[9:13], uint32(m.ExitCode))
	binary.BigEndian.PutUint64(out[13:21], m.ElapsedMs)
	out = putBytes32(out, m.Stdout)
	out = putBytes32(out, m.Stderr)
	return out
}

func decodeCommandResponse(b []byte) (commandResponseMsg, error) {
	var m commandResponseMsg
	if len(b) < 21 {
		return m, ErrMalformed
	}
	m.ReqID = binary.BigEndian.Uint64(b[0:8])
	m.Status = Status(b[8])
	m.ExitCode = int32(binary.BigEndian.Uint32(b[9:13]))
	m.ElapsedMs = binary.BigEndian.Uint64(b[13:21])
	rest := b[21:]

	stdout, rest, err := getBytes32(rest)
	if err != nil {
		return m, err
	}
	m.Stdout = stdout

	stderr, _, err := getBytes32(rest)
	if err != nil {
		return m, err
	}
	m.Stderr = stderr
	return m, nil
}

type disconnectMsg struct {
	Code   byte
	Reason string
}

func encodeDisconnect(m disconnectMsg) []byte {
	out := []byte{m.Code}
	return putString(out, m.Reason)
}

func decodeDisconnect(b []byte) (disconnectMsg, error) {
	var m disconnectMsg
	if len(b) < 1 {
		return m, ErrMalformed
	}
	m.Code = b[0]
	reason, _, err := getString(b[1:])
	if err != nil {
		return m, err
	}
	m.Reason = reason
	return m, nil
}

func encodeAck(reqID uint64) []byte {
	out := make([]byte, 8)
	binary.BigEndian.PutUint64(out, reqID)
	return out
}

func decodeAck(b []byte) (uint64, error) {
	if len(b) != 8 {
		return 0, ErrMalformed
	}
	return binary.BigEndian.Uint64(b), nil
}

func encodePingPong(nonce uint64) []byte {
	out := make([]byte, 8)
	binary.BigEndian.PutUint64(out, nonce)
	return out
}

func decodePingPong(b []byte) (uint64, error) {
	if len(b) != 8 {
		return 0, ErrMalformed
	}
	return binary.BigEndian.Uint64(b), nil
}
