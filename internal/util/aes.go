package util

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"fmt"
)

// ErrInvalidPadding is returned when PKCS#7 padding does not validate.
var ErrInvalidPadding = errors.New("invalid padding")

// EncryptAESCBC encrypts plainText with AES in CBC mode under rawKey. A
// fresh random IV is generated per call and prepended to the result.
// rawKey may be 16, 24 or 32 bytes.
func EncryptAESCBC(plainText, rawKey []byte) ([]byte, error) {
	block, err := aes.NewCipher(rawKey)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}

	iv, err := RandomBytes(aes.BlockSize)
	if err != nil {
		return nil, fmt.Errorf("generating iv: %w", err)
	}

	padded := pkcs7Pad(plainText, aes.BlockSize)
	defer WipeBytes(padded)

	out := make([]byte, aes.BlockSize+len(padded))
	copy(out, iv)
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out[aes.BlockSize:], padded)
	return out, nil
}

// DecryptAESCBC reverses EncryptAESCBC. The first block of cipherText is
// the IV.
func DecryptAESCBC(cipherText, rawKey []byte) ([]byte, error) {
	block, err := aes.NewCipher(rawKey)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	if len(cipherText) < 2*aes.BlockSize {
		return nil, fmt.Errorf("ciphertext too short: %d bytes", len(cipherText))
	}
	if len(cipherText)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("ciphertext is not a multiple of the block size")
	}

	iv, body := cipherText[:aes.BlockSize], cipherText[aes.BlockSize:]
	plain := make([]byte, len(body))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, body)

	out, err := pkcs7Unpad(plain, aes.BlockSize)
	if err != nil {
		WipeBytes(plain)
		return nil, err
	}
	return out, nil
}

func pkcs7Pad(b []byte, blockSize int) []byte {
	n := blockSize - len(b)%blockSize
	out := make([]byte, len(b)+n)
	copy(out, b)
	copy(out[len(b):], bytes.Repeat([]byte{byte(n)}, n))
	return out
}

func pkcs7Unpad(b []byte, blockSize int) ([]byte, error) {
	if len(b) == 0 || len(b)%blockSize != 0 {
		return nil, ErrInvalidPadding
	}
	n := int(b[len(b)-1])
	if n == 0 || n > blockSize || n > len(b) {
		return nil, ErrInvalidPadding
	}
	for _, p := range b[len(b)-n:] {
		if int(p) != n {
			return nil, ErrInvalidPadding
		}
	}
	return b[:len(b)-n], nil
}
