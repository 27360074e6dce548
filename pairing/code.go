// Package pairing implements the 6-character pairing codes users read aloud
// or scan, and the URI formats that carry them.
package pairing

import (
	"crypto/rand"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Alphabet is the code alphabet: Crockford-like, ambiguous glyphs excluded
// (no 0/O, 1/I/L).
const Alphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// CodeLength is the fixed length of a pairing code.
const CodeLength = 6

var codePattern = regexp.MustCompile(`^[ABCDEFGHJKLMNPQRSTUVWXYZ23456789]{6}$`)

// ErrInvalidCode indicates a string is not a well-formed pairing code.
var ErrInvalidCode = errors.New("invalid pairing code")

// Generate produces a uniformly random pairing code. Uniformity comes from
// rejection sampling on uniform random bytes: bytes at or above the largest
// multiple of the alphabet size are discarded rather than folded. The
// alphabet has 32 symbols, which divides 256, so no byte is discarded.
func Generate() (string, error) {
	const limit = 256 - 256%len(Alphabet) // 256
	out := make([]byte, 0, CodeLength)
	buf := make([]byte, 16)
	for len(out) < CodeLength {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("failed to read random bytes: %w", err)
		}
		for _, b := range buf {
			if int(b) >= limit {
				continue
			}
			out = append(out, Alphabet[int(b)%len(Alphabet)])
			if len(out) == CodeLength {
				break
			}
		}
	}
	return string(out), nil
}

// Normalize upper-cases a code for case-insensitive input.
func Normalize(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Validate normalizes the code and checks it against the alphabet. Returns
// the normalized code or ErrInvalidCode.
func Validate(code string) (string, error) {
	norm := Normalize(code)
	if !codePattern.MatchString(norm) {
		return "", ErrInvalidCode
	}
	return norm, nil
}
