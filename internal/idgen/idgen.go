// Package idgen generates the random identifiers used across the API
// surface ("ct_", "ms_", "dsp_", "sub_" prefixes).
package idgen

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

func randBytes(n int) []byte {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return b
}

// New returns a UUID-shaped random identifier.
func New() string {
	b := randBytes(16)
	return fmt.Sprintf("%x-%x-%x-%x-%x", b[0:4], b[4:6], b[6:8], b[8:10], b[10:])
}

// WithPrefix returns prefix followed by 24 random hex characters.
func WithPrefix(prefix string) string {
	return prefix + hex.EncodeToString(randBytes(12))
}

// Hex returns a random hex string covering numBytes of entropy.
func Hex(numBytes int) string {
	return hex.EncodeToString(randBytes(numBytes))
}
