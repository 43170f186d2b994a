// Package nonce generates the unguessable tokens that address a pledge's
// self-service page.
package nonce

import (
	"crypto/rand"
	"fmt"
)

const alphabet = "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"

// New returns length random characters from [0-9a-zA-Z]. Each character
// takes the low six bits of a random byte; values past the alphabet are
// redrawn so every character is equally likely.
func New(length int) (string, error) {
	if length <= 0 {
		return "", fmt.Errorf("invalid nonce length: %d", length)
	}

	out := make([]byte, 0, length)
	buf := make([]byte, length+length/2)
	for len(out) < length {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("read random bytes: %w", err)
		}
		for _, b := range buf {
			if i := int(b & 0x3f); i < len(alphabet) {
				out = append(out, alphabet[i])
				if len(out) == length {
					break
				}
			}
		}
	}
	return string(out), nil
}

// Valid reports whether s could have come from New(length). Lookups skip
// storage for anything else.
func Valid(s string, length int) bool {
	if len(s) != length {
		return false
	}
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		default:
			return false
		}
	}
	return true
}
