package collab

import (
	"crypto/rand"
	"fmt"
	"strings"
)

const (
	// ShareCodeAlphabet omits 0, O, 1, I and L so codes survive being read aloud.
	ShareCodeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"
	ShareCodeLength   = 6
)

// NewShareCode returns a random share code.
func NewShareCode() (string, error) {
	n := byte(len(ShareCodeAlphabet))
	// Largest multiple of n that fits in a byte; bytes above it are rejected to avoid bias.
	limit := 256 - 256%int(n)

	code := make([]byte, 0, ShareCodeLength)
	buf := make([]byte, ShareCodeLength*2)
	for len(code) < ShareCodeLength {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("failed to generate share code: %w", err)
		}
		for _, b := range buf {
			if int(b) >= limit {
				continue
			}
			code = append(code, ShareCodeAlphabet[b%n])
			if len(code) == ShareCodeLength {
				break
			}
		}
	}
	return string(code), nil
}

// NormalizeShareCode uppercases and trims user input.
func NormalizeShareCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// ValidShareCode reports whether code has the share code shape.
func ValidShareCode(code string) bool {
	if len(code) != ShareCodeLength {
		return false
	}
	for _, r := range code {
		if !strings.ContainsRune(ShareCodeAlphabet, r) {
			return false
		}
	}
	return true
}
