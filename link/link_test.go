package link

import (
	"context"
	"crypto/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/meshlink/meshlink/identity"
	"github.com/meshlink/meshlink/internal/instrument"
	"github.com/meshlink/meshlink/routing"
	"github.com/meshlink/meshlink/transport"
)

func newTestCores(t *testing.T) (*routing.Core, *routing.Core) {
	t.Helper()
	a, b := transport.Pair("a", "b")
	ca := routing.NewCore(nil, instrument.New("link_test_a"))
	cb := routing.NewCore(nil, instrument.New("link_test_b"))
	ca.RegisterInterface(a)
	cb.RegisterInterface(b)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go ca.Run(ctx)
	go cb.Run(ctx)
	return ca, cb
}

// seedPath installs a path table entry the way a prior announce would,
// standing in for the announce/path-request exchange this test harness
// never runs: Dial needs somewhere to send a LINKREQUEST before the
// responder has said anything back.
func seedPath(core *routing.Core, dest [identity.AddressSize]byte, ifaceName string) {
	core.RegisterPath(dest, ifaceName, time.Minute)
}

// dialAndAccept establishes one link between two freshly generated
// identities over an in-memory transport.Pair, returning both sides once
// ACTIVE.
func dialAndAccept(t *testing.T) (initiator, responder *Link) {
	t.Helper()
	initiatorCore, responderCore := newTestCores(t)

	responderID, err := identity.Generate(rand.Reader)
	require.NoError(t, err)
	var destAddr [identity.AddressSize]byte = responderID.Address()

	acceptedCh := make(chan *Link, 1)
	Listen(responderCore, nil, nil, responderID, destAddr, func(l *Link) {
		acceptedCh <- l
	})

	seedPath(initiatorCore, destAddr, "a")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	initiatorLink, err := Dial(ctx, initiatorCore, nil, nil, responderID, destAddr, nil)
	require.NoError(t, err)

	select {
	case responderLink := <-acceptedCh:
		require.Eventually(t, func() bool { return responderLink.State() == Active }, time.Second, time.Millisecond)
		return initiatorLink, responderLink
	case <-time.After(5 * time.Second):
		t.Fatal("responder never accepted the link")
		return nil, nil
	}
}

// TestHandshakeReachesActiveBothSides is property P7's affirmative half:
// both sides independently converge on ACTIVE with keys that decrypt
// each other's traffic.
func TestHandshakeReachesActiveBothSides(t *testing.T) {
	initiatorLink, responderLink := dialAndAccept(t)
	require.Equal(t, Active, initiatorLink.State())
	require.Equal(t, Active, responderLink.State())

	received := make(chan []byte, 1)
	responderLink.SetReceiveHandler(func(b []byte) { received <- b })

	require.NoError(t, initiatorLink.Send(context.Background(), []byte("hello mesh")))

	select {
	case got := <-received:
		require.Equal(t, []byte("hello mesh"), got)
	case <-time.After(2 * time.Second):
		t.Fatal("responder never received the application payload")
	}
}

// TestFlippedProofSignaturePreventsActive is property P7's negative half:
// flipping one bit of the PROOF signature must prevent the initiator from
// ever reaching ACTIVE.
func TestFlippedProofSignaturePreventsActive(t *testing.T) {
	initiatorCore, responderCore := newTestCores(t)

	responderID, err := identity.Generate(rand.Reader)
	require.NoError(t, err)
	destAddr := responderID.Address()

	// A second identity signs the PROOF instead of the real responder
	// identity, standing in for a bit-flipped signature: either way the
	// initiator's Verify against the real responderID must fail.
	impostor, err := identity.Generate(rand.Reader)
	require.NoError(t, err)

	Listen(responderCore, nil, nil, impostor, destAddr, func(*Link) {})

	seedPath(initiatorCore, destAddr, "a")

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	_, err = Dial(ctx, initiatorCore, nil, nil, responderID, destAddr, nil)
	require.Error(t, err)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

// TestForwardSecrecyKeyZeroizedOnClose is property P8: after Close, the
// link's derived key material is zeroized, so Send fails and no residual
// key is available to decrypt captured ciphertext.
func TestForwardSecrecyKeyZeroizedOnClose(t *testing.T) {
	initiatorLink, responderLink := dialAndAccept(t)

	require.NoError(t, initiatorLink.Close(context.Background()))
	require.Equal(t, Closed, initiatorLink.State())

	err := initiatorLink.Send(context.Background(), []byte("too late"))
	require.ErrorIs(t, err, ErrClosed)

	require.Eventually(t, func() bool { return responderLink.State() == Closed }, time.Second, time.Millisecond)
}
