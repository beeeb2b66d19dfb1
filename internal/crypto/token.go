// Package crypto generates and validates relay session tokens.
package crypto

import (
	"crypto/rand"
	"encoding/hex"
	"regexp"
)

// TokenPattern matches a well-formed session token: 16 lowercase hex
// characters, 64 bits of randomness.
var TokenPattern = regexp.MustCompile(`^[a-f0-9]{16}$`)

// NewSessionToken returns a fresh bearer credential for one session.
func NewSessionToken() (string, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
