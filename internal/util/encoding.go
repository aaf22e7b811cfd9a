package util

import "encoding/base64"

// EncodeText returns the standard base64 form of b.
func EncodeText(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// DecodeText parses standard base64. Surrounding whitespace is not
// tolerated.
func DecodeText(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}
