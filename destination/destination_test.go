package destination

import (
	"crypto/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/meshlink/meshlink/identity"
)

func TestSingleInRequiresPrivateIdentity(t *testing.T) {
	require := require.New(t)

	owner, err := identity.Generate(rand.Reader)
	require.NoError(err)
	pubOnly, err := identity.FromPublicBytes(owner.PublicBytes())
	require.NoError(err)

	_, err = New(In, Single, "app.shell", pubOnly, nil)
	require.ErrorIs(err, ErrSingleInNeedsPrivateIdentity)

	_, err = New(In, Single, "app.shell", owner, nil)
	require.NoError(err)
}

func TestSingleOutRequiresPeerIdentity(t *testing.T) {
	require := require.New(t)

	_, err := New(Out, Single, "app.shell", nil, nil)
	require.ErrorIs(err, ErrSingleOutNeedsPeerIdentity)
}

func TestSingleOutAcceptsPublicOnlyIdentity(t *testing.T) {
	require := require.New(t)

	owner, err := identity.Generate(rand.Reader)
	require.NoError(err)
	peer, err := identity.FromPublicBytes(owner.PublicBytes())
	require.NoError(err)

	d, err := New(Out, Single, "app.shell", peer, nil)
	require.NoError(err)
	require.Equal(Single, d.Type())
	require.Nil(d.Ratchets())
}

func TestGroupRequiresKey(t *testing.T) {
	require := require.New(t)

	_, err := New(In, Group, "app.chat", nil, nil)
	require.ErrorIs(err, ErrGroupNeedsKey)

	_, err = New(In, Group, "app.chat", nil, make([]byte, GroupKeySize-1))
	require.ErrorIs(err, ErrGroupNeedsKey)

	d, err := New(In, Group, "app.chat", nil, make([]byte, GroupKeySize))
	require.NoError(err)
	require.Equal(Group, d.Type())
}

func TestPlainForbidsIdentityAndKey(t *testing.T) {
	require := require.New(t)

	owner, err := identity.Generate(rand.Reader)
	require.NoError(err)

	_, err = New(In, Plain, "app.beacon", owner, nil)
	require.ErrorIs(err, ErrPlainForbidsIdentityOrKey)

	d, err := New(In, Plain, "app.beacon", nil, nil)
	require.NoError(err)
	require.Equal(Plain, d.Type())
}

func TestLinkForbidsIdentityAndKey(t *testing.T) {
	require := require.New(t)

	_, err := New(In, Link, "app.tunnel", nil, make([]byte, GroupKeySize))
	require.ErrorIs(err, ErrPlainForbidsIdentityOrKey)

	d, err := New(In, Link, "app.tunnel", nil, nil)
	require.NoError(err)
	require.Equal(Link, d.Type())
}

func TestEmptyNameRejected(t *testing.T) {
	require := require.New(t)

	_, err := New(In, Plain, "", nil, nil)
	require.ErrorIs(err, ErrEmptyName)
}

func TestAddressDeterministic(t *testing.T) {
	require := require.New(t)

	owner, err := identity.Generate(rand.Reader)
	require.NoError(err)

	d1, err := New(In, Single, "app.shell.exec", owner, nil)
	require.NoError(err)
	d2, err := New(In, Single, "app.shell.exec", owner, nil)
	require.NoError(err)

	require.Equal(d1.Address(), d2.Address())

	d3, err := New(In, Single, "app.shell.other", owner, nil)
	require.NoError(err)
	require.NotEqual(d1.Address(), d3.Address())
}

func TestGroupAddressDependsOnKey(t *testing.T) {
	require := require.New(t)

	keyA := make([]byte, GroupKeySize)
	keyB := make([]byte, GroupKeySize)
	keyB[0] = 0xFF

	dA, err := New(In, Group, "app.chat", nil, keyA)
	require.NoError(err)
	dB, err := New(In, Group, "app.chat", nil, keyB)
	require.NoError(err)

	require.NotEqual(dA.Address(), dB.Address())
}

func TestAppName(t *testing.T) {
	require := require.New(t)

	app, aspects := AppName("shell.exec.remote")
	require.Equal("shell", app)
	require.Equal([]string{"exec", "remote"}, aspects)
}

func TestRatchetRingRotateAndPrune(t *testing.T) {
	require := require.New(t)

	r := NewRatchetRing()
	require.Equal(0, r.Len())

	now := time.Now()
	k1, err := r.Rotate(now)
	require.NoError(err)
	require.Equal(1, r.Len())

	cur, ok := r.Current()
	require.True(ok)
	require.Equal(k1.ID(), cur.ID())

	k2, err := r.Rotate(now.Add(RatchetRotationInterval))
	require.NoError(err)
	require.Equal(2, r.Len())

	cur, ok = r.Current()
	require.True(ok)
	require.Equal(k2.ID(), cur.ID())

	priv, ok := r.Consume(k1.ID())
	require.True(ok)
	require.Equal(k1.PublicKey().Bytes(), priv.PublicKey().Bytes())

	// Consume does not remove the key.
	require.Equal(2, r.Len())

	r.Prune(now.Add(MaxRatchetAge + time.Hour))
	require.Equal(0, r.Len())

	_, ok = r.Current()
	require.False(ok)
}

func TestRatchetRingCapsRetainedKeys(t *testing.T) {
	require := require.New(t)

	r := NewRatchetRing()
	now := time.Now()
	for i := 0; i < MaxRetainedRatchets+5; i++ {
		_, err := r.Rotate(now)
		require.NoError(err)
	}
	require.Equal(MaxRetainedRatchets, r.Len())
}

// TestAnnounceSignatureVerification is property P4: decoding an announce
// whose embedded signature is altered by one bit yields an error.
func TestAnnounceSignatureVerification(t *testing.T) {
	require := require.New(t)

	owner, err := identity.Generate(rand.Reader)
	require.NoError(err)

	d, err := New(In, Single, "app.shell", owner, nil)
	require.NoError(err)

	payload, err := BuildAnnounce(rand.Reader, d, []byte("v1"))
	require.NoError(err)

	info, err := VerifyAnnounce(payload)
	require.NoError(err)
	require.Equal(d.Address(), info.Address)
	require.Equal([]byte("v1"), info.AppData)
	require.Nil(info.RatchetPub)

	tampered := append([]byte{}, payload...)
	tampered[len(tampered)-1] ^= 0x01
	_, err = VerifyAnnounce(tampered)
	require.ErrorIs(err, ErrAnnounceBadSignature)
}

func TestAnnounceWithRatchet(t *testing.T) {
	require := require.New(t)

	owner, err := identity.Generate(rand.Reader)
	require.NoError(err)

	d, err := New(In, Single, "app.shell", owner, nil)
	require.NoError(err)
	require.NotNil(d.Ratchets())

	_, err = d.Ratchets().Rotate(time.Now())
	require.NoError(err)

	payload, err := BuildAnnounce(rand.Reader, d, nil)
	require.NoError(err)

	info, err := VerifyAnnounce(payload)
	require.NoError(err)
	require.NotNil(info.RatchetPub)
	require.Empty(info.AppData)
}

func TestAnnounceRejectsNonSingle(t *testing.T) {
	require := require.New(t)

	d, err := New(In, Plain, "app.beacon", nil, nil)
	require.NoError(err)

	_, err = BuildAnnounce(rand.Reader, d, nil)
	require.ErrorIs(err, ErrAnnounceNotSingle)
}

func TestAnnounceRejectsOutDirection(t *testing.T) {
	require := require.New(t)

	owner, err := identity.Generate(rand.Reader)
	require.NoError(err)
	peer, err := identity.FromPublicBytes(owner.PublicBytes())
	require.NoError(err)

	d, err := New(Out, Single, "app.shell", peer, nil)
	require.NoError(err)

	_, err = BuildAnnounce(rand.Reader, d, nil)
	require.ErrorIs(err, ErrAnnounceNotSingle)
}

func TestVerifyAnnounceRejectsTruncatedPayload(t *testing.T) {
	require := require.New(t)

	_, err := VerifyAnnounce(make([]byte, 10))
	require.ErrorIs(err, ErrAnnounceMalformed)
}
