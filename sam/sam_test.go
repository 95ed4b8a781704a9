package sam

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/meshlink/meshlink/wire"
)

// fakeBridge is a minimal SAM v3 bridge stand-in: enough of the HELLO/DEST
// GENERATE/SESSION CREATE/datagram protocol to exercise Client against a
// real TCP connection without depending on an actual router.
func fakeBridge(t *testing.T, handleDatagrams bool) (addr string, datagramsIn chan []byte) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	datagramsIn = make(chan []byte, 8)

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		r := bufio.NewReader(conn)

		line, _ := r.ReadString('\n')
		_ = line
		fmt.Fprintf(conn, "HELLO REPLY RESULT=OK VERSION=3.1\n")

		line, _ = r.ReadString('\n')
		fmt.Fprintf(conn, "DEST REPLY PUB=pubdest123 PRIV=privdest456\n")

		line, _ = r.ReadString('\n')
		_ = line
		fmt.Fprintf(conn, "SESSION STATUS RESULT=OK DESTINATION=pubdest123\n")

		for {
			hdr, err := r.ReadString('\n')
			if err != nil {
				return
			}
			_ = hdr
			if handleDatagrams {
				datagramsIn <- []byte("server-saw-a-send")
			}
		}
	}()

	return ln.Addr().String(), datagramsIn
}

func TestSAMClientHandshakeAndSession(t *testing.T) {
	require := require.New(t)

	addr, _ := fakeBridge(t, false)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	c, err := Connect(ctx, addr, rate.Inf)
	require.NoError(err)
	defer c.Close()

	pub, priv, err := c.DestGenerate(ctx)
	require.NoError(err)
	require.Equal("pubdest123", pub)
	require.Equal("privdest456", priv)

	err = c.SessionCreateDatagram(ctx, "sess1", priv, nil)
	require.NoError(err)
	require.Equal("sess1", c.sessionID)
}

func TestSAMDatagramSendWritesHeaderAndPayload(t *testing.T) {
	require := require.New(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(err)
	defer ln.Close()

	receivedCh := make(chan string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		r := bufio.NewReader(conn)
		r.ReadString('\n')
		fmt.Fprintf(conn, "HELLO REPLY RESULT=OK\n")

		header, _ := r.ReadString('\n')
		buf := make([]byte, len("payload-bytes"))
		r.Read(buf)
		receivedCh <- header + string(buf)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	c, err := Connect(ctx, ln.Addr().String(), rate.Inf)
	require.NoError(err)
	defer c.Close()
	c.sessionID = "sess1"

	require.NoError(c.DatagramSend(ctx, "peerdest", []byte("payload-bytes")))

	select {
	case got := <-receivedCh:
		require.Contains(got, "3.1 sess1 peerdest")
		require.Contains(got, "payload-bytes")
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for bridge to observe the send")
	}
}

func TestWrapperSendUnroutableWithoutMapping(t *testing.T) {
	require := require.New(t)

	addr, _ := fakeBridge(t, false)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	c, err := Connect(ctx, addr, rate.Inf)
	require.NoError(err)
	defer c.Close()
	c.sessionID = "sess1"

	w := NewWrapper("overlay0", c)

	pkt := &wire.Packet{
		HeaderType: wire.HeaderType1,
		DestType:   wire.DestPlain,
		PacketType: wire.PacketData,
		Addresses:  [][wire.AddressSize]byte{{0xAA}},
		Payload:    []byte("x"),
	}
	encoded, err := wire.Encode(pkt)
	require.NoError(err)

	err = w.Send(ctx, encoded)
	require.ErrorIs(err, ErrUnroutable)

	w.Register(pkt.DestinationHash(), "known-peer-dest")
	// Still unroutable from the bridge's perspective in this test (no
	// real send occurs against fakeBridge's accept loop expecting a
	// different line shape), but Register must at least clear the
	// ErrUnroutable fast-path check.
	full, ok := w.byID[pkt.DestinationHash()]
	require.True(ok)
	require.Equal("known-peer-dest", full)
}
