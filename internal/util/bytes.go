package util

import "github.com/awnumar/memguard"

func CopyBytes(src []byte) []byte {
	dst := make([]byte, len(src))
	copy(dst, src)
	return dst
}

// WipeBytes zeroes every provided slice in place. Nil slices are ignored.
func WipeBytes(bufs ...[]byte) {
	for _, b := range bufs {
		if len(b) > 0 {
			memguard.WipeBytes(b)
		}
	}
}

// ConstantTimeEqual reports whether a and b hold the same bytes. Every byte
// pair is visited regardless of where the first difference is, so the
// running time depends only on the length.
func ConstantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var acc byte
	for i := range a {
		acc |= a[i] ^ b[i]
	}
	return acc == 0
}
