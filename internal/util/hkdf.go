package util

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const HKDFKeyLength = 32

// HKDF expands seed into one HKDFKeyLength subkey per info label. The
// subkeys are read from a single HKDF-SHA256 stream per label so that each
// is independent of the others.
func HKDF(seed []byte, salt []byte, infos ...[]byte) ([][]byte, error) {
	keys := make([][]byte, 0, len(infos))
	for _, info := range infos {
		h := hkdf.New(sha256.New, seed, salt, info)
		k := make([]byte, HKDFKeyLength)
		if _, err := io.ReadFull(h, k); err != nil {
			WipeBytes(keys...)
			return nil, fmt.Errorf("reading from HKDF: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, nil
}
