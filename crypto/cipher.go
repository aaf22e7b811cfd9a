// Package crypto provides the symmetric cipher that protects remember-me
// token values in cookies and in the token store.
//
// Messages are AES-CBC with PKCS#7 padding under a fresh random IV that is
// prepended to the ciphertext, followed by an HMAC-SHA256 tag over IV and
// ciphertext. The encryption and MAC keys are derived from the configured
// key with HKDF-SHA256 and held in memguard enclaves between uses.
package crypto

import (
	"crypto/aes"
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/awnumar/memguard"

	"github.com/gpagliara/authgate/internal/util"
)

var (
	// ErrInvalidKey is returned when the configured key is not a valid AES key.
	ErrInvalidKey = errors.New("invalid cipher key")
	// ErrDecrypt is returned for any ciphertext that fails authentication,
	// decoding, or unpadding.
	ErrDecrypt = errors.New("decryption failed")
)

const (
	macSize = sha256.Size
	// minSealedSize is IV + one block + tag.
	minSealedSize = 2*aes.BlockSize + macSize
)

var defaultInfo = "authgate:remember-token:v1"

// CipherOption is a functional option for NewCipher.
type CipherOption func(*cipherOptions)

type cipherOptions struct {
	info string
}

// WithInfo sets the HKDF context label, separating ciphers built from the
// same key for different purposes.
func WithInfo(info string) CipherOption {
	return func(o *cipherOptions) {
		o.info = info
	}
}

// Cipher encrypts and decrypts opaque byte strings. It is safe for
// concurrent use; its key material is fixed at construction.
type Cipher struct {
	encKey *memguard.Enclave
	macKey *memguard.Enclave
}

// NewCipher derives the cipher subkeys from key, which must be 16, 24 or 32
// bytes. key itself is left untouched; the caller remains responsible for it.
func NewCipher(key []byte, opts ...CipherOption) (*Cipher, error) {
	switch len(key) {
	case 16, 24, 32:
	default:
		return nil, fmt.Errorf("%w: got %d bytes, want 16, 24 or 32", ErrInvalidKey, len(key))
	}
	o := cipherOptions{info: defaultInfo}
	for _, opt := range opts {
		opt(&o)
	}

	keys, err := util.HKDF(key, nil, []byte(o.info+":enc"), []byte(o.info+":mac"))
	if err != nil {
		return nil, fmt.Errorf("deriving cipher keys: %w", err)
	}
	// NewEnclave wipes the source buffers.
	return &Cipher{
		encKey: memguard.NewEnclave(keys[0]),
		macKey: memguard.NewEnclave(keys[1]),
	}, nil
}

// NewCipherFromText decodes a standard-base64 key and calls NewCipher. The
// decoded key is wiped once the subkeys are derived.
func NewCipherFromText(encodedKey string, opts ...CipherOption) (*Cipher, error) {
	if encodedKey == "" {
		return nil, fmt.Errorf("%w: key is empty", ErrInvalidKey)
	}
	key, err := util.DecodeText(encodedKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	defer util.WipeBytes(key)
	return NewCipher(key, opts...)
}

// Encrypt returns IV || AES-CBC(plain) || HMAC-SHA256(IV || ciphertext).
func (c *Cipher) Encrypt(plain []byte) ([]byte, error) {
	enc, err := c.encKey.Open()
	if err != nil {
		return nil, fmt.Errorf("opening encryption key: %w", err)
	}
	defer enc.Destroy()

	sealed, err := util.EncryptAESCBC(plain, enc.Bytes())
	if err != nil {
		return nil, err
	}
	tag, err := c.tag(sealed)
	if err != nil {
		return nil, err
	}
	return append(sealed, tag...), nil
}

// Decrypt authenticates and decrypts data produced by Encrypt. Every
// failure is reported as ErrDecrypt.
func (c *Cipher) Decrypt(data []byte) ([]byte, error) {
	if len(data) < minSealedSize {
		return nil, fmt.Errorf("%w: message too short", ErrDecrypt)
	}
	sealed, tag := data[:len(data)-macSize], data[len(data)-macSize:]

	want, err := c.tag(sealed)
	if err != nil {
		return nil, err
	}
	if !hmac.Equal(tag, want) {
		return nil, fmt.Errorf("%w: authentication failed", ErrDecrypt)
	}

	enc, err := c.encKey.Open()
	if err != nil {
		return nil, fmt.Errorf("opening encryption key: %w", err)
	}
	defer enc.Destroy()

	plain, err := util.DecryptAESCBC(sealed, enc.Bytes())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return plain, nil
}

// EncryptToText is Encrypt followed by standard base64 encoding.
func (c *Cipher) EncryptToText(plain []byte) (string, error) {
	sealed, err := c.Encrypt(plain)
	if err != nil {
		return "", err
	}
	return util.EncodeText(sealed), nil
}

// DecryptFromText reverses EncryptToText.
func (c *Cipher) DecryptFromText(text string) ([]byte, error) {
	data, err := util.DecodeText(text)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return c.Decrypt(data)
}

func (c *Cipher) tag(msg []byte) ([]byte, error) {
	key, err := c.macKey.Open()
	if err != nil {
		return nil, fmt.Errorf("opening mac key: %w", err)
	}
	defer key.Destroy()

	m := hmac.New(sha256.New, key.Bytes())
	m.Write(msg)
	return m.Sum(nil), nil
}

// GenerateKey returns a new random 32-byte key in standard base64, the form
// accepted by NewCipherFromText.
func GenerateKey() (string, error) {
	key, err := util.RandomBytes(32)
	if err != nil {
		return "", err
	}
	defer util.WipeBytes(key)
	return util.EncodeText(key), nil
}
