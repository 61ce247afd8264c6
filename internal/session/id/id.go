// Package id provides unique identifier generation for sessions.
package id

import (
	"strings"

	"github.com/google/uuid"
)

// Prefix starts every session ID.
const Prefix = "ses_"

// Generate creates a new unique session ID.
// Format: ses_<uuid>
// Example: ses_3f1c7a52-5c3e-4f7e-9a55-0d4bb1f1c2aa
func Generate() string {
	return Prefix + uuid.NewString()
}

// Valid reports whether s has the format produced by Generate.
func Valid(s string) bool {
	rest, ok := strings.CutPrefix(s, Prefix)
	if !ok {
		return false
	}
	_, err := uuid.Parse(rest)
	return err == nil
}
