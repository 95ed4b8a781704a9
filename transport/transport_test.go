package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPairRoundtrip(t *testing.T) {
	require := require.New(t)

	a, b := Pair("a", "b")
	defer a.Close()
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.NoError(a.Send(ctx, []byte("hello")))
	got, err := b.Receive(ctx)
	require.NoError(err)
	require.Equal([]byte("hello"), got)

	require.NoError(b.Send(ctx, []byte("world")))
	got, err = a.Receive(ctx)
	require.NoError(err)
	require.Equal([]byte("world"), got)
}

func TestPairClosedReturnsErrClosed(t *testing.T) {
	require := require.New(t)

	a, b := Pair("a", "b")
	require.NoError(a.Close())

	ctx := context.Background()
	_, err := a.Receive(ctx)
	require.ErrorIs(err, ErrClosed)
	err = a.Send(ctx, []byte("x"))
	require.ErrorIs(err, ErrClosed)

	_ = b
}

func TestHDLCEncodeDecodeRoundtrip(t *testing.T) {
	require := require.New(t)

	cases := [][]byte{
		[]byte{},
		[]byte("plain"),
		[]byte{0x7E, 0x7D, 0x00, 0x7E},
		make([]byte, 500),
	}

	var r HDLCReader
	for _, c := range cases {
		framed := HDLCEncode(c)
		got := r.Feed(framed)
		require.Len(got, 1)
		require.Equal(c, got[0])
	}
}

func TestHDLCReaderHandlesSplitReads(t *testing.T) {
	require := require.New(t)

	framed := HDLCEncode([]byte("split-me"))
	var r HDLCReader

	mid := len(framed) / 2
	first := r.Feed(framed[:mid])
	require.Empty(first)

	second := r.Feed(framed[mid:])
	require.Len(second, 1)
	require.Equal([]byte("split-me"), second[0])
}

func TestTCPInterfaceRoundtrip(t *testing.T) {
	require := require.New(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(err)
	defer ln.Close()

	serverConnCh := make(chan net.Conn, 1)
	go func() {
		c, _ := ln.Accept()
		serverConnCh <- c
	}()

	clientConn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(err)
	serverConn := <-serverConnCh

	client := NewTCPInterface("client", clientConn, ModeFull)
	server := NewTCPInterface("server", serverConn, ModeFull)
	defer client.Close()
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(client.Send(ctx, []byte("ping")))
	got, err := server.Receive(ctx)
	require.NoError(err)
	require.Equal([]byte("ping"), got)
}
