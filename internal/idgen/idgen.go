// Package idgen provides random ID generation.
package idgen

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/google/uuid"
)

// New generates a random (version 4) UUID string.
func New() string {
	return uuid.NewString()
}

// WithPrefix generates a random ID with a prefix (e.g. "acct_", "dsp_", "evt_").
// Result is prefix + 24 hex chars (12 random bytes).
func WithPrefix(prefix string) string {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return prefix + hex.EncodeToString(b)
}

// Valid reports whether s parses as a UUID.
func Valid(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
