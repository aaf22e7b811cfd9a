// Package uuid produces the textual identifiers used as token row keys.
package uuid

import "github.com/google/uuid"

// New returns a random (version 4) UUID in its canonical 36-character form.
func New() string {
	return uuid.NewString()
}

// Valid reports whether s is a canonical 36-character UUID.
func Valid(s string) bool {
	if len(s) != 36 {
		return false
	}
	_, err := uuid.Parse(s)
	return err == nil
}
