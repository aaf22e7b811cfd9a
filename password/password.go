// Package password implements salted password hashing and the password
// strength policy.
//
// Digests are SHA-256 over the raw password bytes immediately followed by
// the salt bytes. Callers own every buffer they pass in and must release
// sensitive ones with Wipe once done, on error paths too.
package password

import (
	"crypto/sha256"
	"strings"

	"github.com/gpagliara/authgate/internal/util"
)

const (
	// MinLength is the minimum accepted password length in bytes.
	MinLength = 8
	// SaltLength is the per-user salt size (128 bits).
	SaltLength = 16
	// HashLength is the digest size (256 bits).
	HashLength = sha256.Size
	// SpecialCharacters lists the symbols accepted as special characters.
	SpecialCharacters = "!@#$%^&*()-_+=<>?."
)

// IsStrong reports whether password meets every rule of the policy: at
// least MinLength bytes, one ASCII uppercase letter, one ASCII digit and one
// character from SpecialCharacters.
func IsStrong(password []byte) bool {
	if len(password) < MinLength {
		return false
	}
	var upper, digit, special bool
	for _, c := range password {
		switch {
		case c >= 'A' && c <= 'Z':
			upper = true
		case c >= '0' && c <= '9':
			digit = true
		case c < 0x80 && strings.IndexByte(SpecialCharacters, c) >= 0:
			special = true
		}
	}
	return upper && digit && special
}

// NewSalt returns SaltLength fresh random bytes.
func NewSalt() ([]byte, error) {
	return util.RandomBytes(SaltLength)
}

// Hash returns SHA-256(password || salt). The intermediate concatenation
// is wiped before returning.
func Hash(password, salt []byte) []byte {
	buf := make([]byte, 0, len(password)+len(salt))
	buf = append(buf, password...)
	buf = append(buf, salt...)
	defer util.WipeBytes(buf)

	sum := sha256.Sum256(buf)
	out := make([]byte, HashLength)
	copy(out, sum[:])
	util.WipeBytes(sum[:])
	return out
}

// Verify compares a freshly computed hash with the stored one in time that
// does not depend on the position of the first differing byte.
func Verify(candidateHash, storedHash []byte) bool {
	return util.ConstantTimeEqual(candidateHash, storedHash)
}

// Check hashes password with salt and verifies it against storedHash. The
// derived hash is wiped before returning.
func Check(password, salt, storedHash []byte) bool {
	candidate := Hash(password, salt)
	defer util.WipeBytes(candidate)
	return Verify(candidate, storedHash)
}

// Wipe zeroes each of the given buffers.
func Wipe(bufs ...[]byte) {
	util.WipeBytes(bufs...)
}
