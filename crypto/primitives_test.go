package crypto

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestX25519ECDHAgreement(t *testing.T) {
	require := require.New(t)

	alice, err := NewX25519Keypair(rand.Reader)
	require.NoError(err)
	bob, err := NewX25519Keypair(rand.Reader)
	require.NoError(err)

	aliceShared := alice.ECDH(bob.PublicKey())
	bobShared := bob.ECDH(alice.PublicKey())
	require.Equal(aliceShared, bobShared)
}

func TestEd25519SignVerify(t *testing.T) {
	require := require.New(t)

	pub, priv, err := NewEd25519Keypair(rand.Reader)
	require.NoError(err)

	msg := []byte("command-request:42")
	sig := Ed25519Sign(priv, msg)
	require.True(Ed25519Verify(pub, msg, sig))

	tampered := append([]byte{}, sig...)
	tampered[0] ^= 0x01
	require.False(Ed25519Verify(pub, msg, tampered))
}

func TestTokenCipherRoundtrip(t *testing.T) {
	require := require.New(t)

	key := make([]byte, TokenKeySize)
	_, err := rand.Read(key)
	require.NoError(err)

	plaintext := []byte("the quick brown fox jumps over the lazy dog")
	token, err := TokenEncrypt(key, plaintext)
	require.NoError(err)

	decrypted, err := TokenDecrypt(key, token)
	require.NoError(err)
	require.Equal(plaintext, decrypted)
}

func TestTokenCipherBadMACFails(t *testing.T) {
	require := require.New(t)

	key := make([]byte, TokenKeySize)
	_, err := rand.Read(key)
	require.NoError(err)

	token, err := TokenEncrypt(key, []byte("hello"))
	require.NoError(err)

	token[len(token)-1] ^= 0x01
	_, err = TokenDecrypt(key, token)
	require.ErrorIs(err, ErrAuth)
}

func TestTokenCipherWrongKeyFails(t *testing.T) {
	require := require.New(t)

	key1 := make([]byte, TokenKeySize)
	key2 := make([]byte, TokenKeySize)
	_, err := rand.Read(key1)
	require.NoError(err)
	_, err = rand.Read(key2)
	require.NoError(err)
	require.False(bytes.Equal(key1, key2))

	token, err := TokenEncrypt(key1, []byte("secret"))
	require.NoError(err)

	_, err = TokenDecrypt(key2, token)
	require.ErrorIs(err, ErrAuth)
}

func TestEciesRoundtrip(t *testing.T) {
	require := require.New(t)

	recipient, err := NewX25519Keypair(rand.Reader)
	require.NoError(err)

	salt := []byte("16-byte-address!")
	plaintext := []byte("the secret command payload")

	ciphertext, err := EciesEncrypt(recipient.PublicKey(), salt, plaintext)
	require.NoError(err)

	decrypted, err := EciesDecrypt(recipient, salt, ciphertext)
	require.NoError(err)
	require.Equal(plaintext, decrypted)
}

func TestEciesWrongRecipientFails(t *testing.T) {
	require := require.New(t)

	recipient, err := NewX25519Keypair(rand.Reader)
	require.NoError(err)
	attacker, err := NewX25519Keypair(rand.Reader)
	require.NoError(err)

	salt := []byte("16-byte-address!")
	ciphertext, err := EciesEncrypt(recipient.PublicKey(), salt, []byte("hi"))
	require.NoError(err)

	_, err = EciesDecrypt(attacker, salt, ciphertext)
	require.ErrorIs(err, ErrAuth)
}

func TestHKDFDeterministic(t *testing.T) {
	require := require.New(t)

	salt := []byte("salt")
	ikm := []byte("input-key-material")
	info := []byte("info")

	out1, err := DeriveHKDF(salt, ikm, info, 64)
	require.NoError(err)
	out2, err := DeriveHKDF(salt, ikm, info, 64)
	require.NoError(err)
	require.Equal(out1, out2)
	require.Len(out1, 64)
}
