package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"io"
)

var errPadding = errors.New("crypto: invalid PKCS7 padding")

// aesCBCEncrypt encrypts plaintext under key (32 bytes, AES-256) with a
// freshly generated random IV, PKCS7-padding the plaintext to the AES
// block size first. It returns iv || ciphertext.
func aesCBCEncrypt(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	padded := pkcs7Pad(plaintext, aes.BlockSize)

	iv := make([]byte, aes.BlockSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, err
	}

	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	out := make([]byte, 0, len(iv)+len(ciphertext))
	out = append(out, iv...)
	out = append(out, ciphertext...)
	return out, nil
}

// aesCBCDecrypt reverses aesCBCEncrypt's ivCiphertext framing, stripping
// PKCS7 padding and validating it.
func aesCBCDecrypt(key, ivCiphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	if len(ivCiphertext) < aes.BlockSize || len(ivCiphertext)%aes.BlockSize != 0 {
		return nil, ErrDecrypt
	}

	iv, ciphertext := ivCiphertext[:aes.BlockSize], ivCiphertext[aes.BlockSize:]
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, ErrDecrypt
	}

	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)

	return pkcs7Unpad(plaintext, aes.BlockSize)
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padding := bytes.Repeat([]byte{byte(padLen)}, padLen)
	return append(append([]byte{}, data...), padding...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	n := len(data)
	if n == 0 || n%blockSize != 0 {
		return nil, errPadding
	}
	padLen := int(data[n-1])
	if padLen == 0 || padLen > blockSize || padLen > n {
		return nil, errPadding
	}
	for _, b := range data[n-padLen:] {
		if int(b) != padLen {
			return nil, errPadding
		}
	}
	return data[:n-padLen], nil
}
