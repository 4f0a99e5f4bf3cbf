package authcode

import (
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"math/big"
)

// CodeLength is the number of decimal digits in an auth code.
const CodeLength = 6

// codeSpace is 10^CodeLength.
var codeSpace = big.NewInt(1_000_000)

// Errors
var (
	// ErrSourceExhausted is returned when the random source cannot supply
	// enough entropy to draw a code.
	ErrSourceExhausted = errors.New("authcode: random source exhausted")

	// ErrInvalidFormat is returned for codes that are not CodeLength digits.
	ErrInvalidFormat = errors.New("authcode: invalid code format")
)

// Generator draws auth codes from a random source.
type Generator struct {
	random io.Reader
}

// NewGenerator creates a generator reading from random.
// If random is nil, crypto/rand.Reader is used.
func NewGenerator(random io.Reader) *Generator {
	if random == nil {
		random = rand.Reader
	}
	return &Generator{random: random}
}

// Generate returns a new CodeLength-digit code, zero-padded.
func (g *Generator) Generate() (string, error) {
	n, err := rand.Int(g.random, codeSpace)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSourceExhausted, err)
	}
	return fmt.Sprintf("%0*d", CodeLength, n.Int64()), nil
}

// Validate reports whether submitted equals expected.
// The comparison takes time independent of where the strings differ.
func Validate(submitted, expected string) bool {
	if len(expected) == 0 {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(submitted), []byte(expected)) == 1
}

// ValidFormat reports whether code is exactly CodeLength ASCII digits.
func ValidFormat(code string) bool {
	if len(code) != CodeLength {
		return false
	}
	for i := 0; i < len(code); i++ {
		if code[i] < '0' || code[i] > '9' {
			return false
		}
	}
	return true
}

// CheckFormat returns ErrInvalidFormat if code is not well formed.
func CheckFormat(code string) error {
	if !ValidFormat(code) {
		return ErrInvalidFormat
	}
	return nil
}
