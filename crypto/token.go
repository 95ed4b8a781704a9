package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
)

const (
	// TokenKeySize is the size in bytes of the derived key material the
	// Token cipher needs: 32 bytes signing key || 32 bytes encryption key.
	TokenKeySize = 64

	hmacSize = sha256.Size
)

// TokenEncrypt implements the Token cipher: IV || AES-256-CBC(plaintext)
// || HMAC-SHA256(IV||ciphertext). derivedKey must be TokenKeySize bytes;
// derivedKey[0:32] is the signing (HMAC) key, derivedKey[32:64] is the
// encryption (AES) key, matching the split the ECIES and link-key
// derivation operations produce via HKDF.
func TokenEncrypt(derivedKey, plaintext []byte) ([]byte, error) {
	if len(derivedKey) != TokenKeySize {
		return nil, ErrInvalidKeySize
	}
	signingKey, encryptionKey := derivedKey[:32], derivedKey[32:64]

	ivCiphertext, err := aesCBCEncrypt(encryptionKey, plaintext)
	if err != nil {
		return nil, err
	}

	mac := hmac.New(sha256.New, signingKey)
	mac.Write(ivCiphertext)
	tag := mac.Sum(nil)

	out := make([]byte, 0, len(ivCiphertext)+len(tag))
	out = append(out, ivCiphertext...)
	out = append(out, tag...)
	return out, nil
}

// TokenDecrypt reverses TokenEncrypt, returning ErrAuth if the HMAC fails
// to verify under a constant-time comparison. The HMAC is always checked
// before any attempt to unpad or interpret the AES plaintext.
func TokenDecrypt(derivedKey, token []byte) ([]byte, error) {
	if len(derivedKey) != TokenKeySize {
		return nil, ErrInvalidKeySize
	}
	if len(token) < hmacSize {
		return nil, ErrAuth
	}
	signingKey, encryptionKey := derivedKey[:32], derivedKey[32:64]

	ivCiphertext, tag := token[:len(token)-hmacSize], token[len(token)-hmacSize:]

	mac := hmac.New(sha256.New, signingKey)
	mac.Write(ivCiphertext)
	expected := mac.Sum(nil)
	if subtle.ConstantTimeCompare(expected, tag) != 1 {
		return nil, ErrAuth
	}

	return aesCBCDecrypt(encryptionKey, ivCiphertext)
}
