package invitation

import "errors"

// Descriptor validation errors.
var (
	ErrInvalidVersion    = errors.New("invitation: invalid version (must be 0)")
	ErrInvalidKind       = errors.New("invitation: invalid kind")
	ErrInvalidAuthMethod = errors.New("invitation: invalid auth method")
	ErrInvalidTimeout    = errors.New("invitation: invalid timeout")
	ErrInvalidID         = errors.New("invitation: invalid id")
	ErrMissingKey        = errors.New("invitation: missing rendezvous key")
	ErrSwarmKeyMismatch  = errors.New("invitation: swarm key does not match rendezvous key")
)

// Side-channel codec errors.
var (
	ErrCodeInvalidPrefix  = errors.New("invitation: invalid code prefix (expected INV:)")
	ErrCodeTooShort       = errors.New("invitation: code too short")
	ErrCodeInvalidPadding = errors.New("invitation: invalid padding (must be zero)")
	ErrURLMissingCode     = errors.New("invitation: url has no invitation parameter")
)

// Base38 encoding errors.
var (
	ErrBase38InvalidChar   = errors.New("base38: invalid character")
	ErrBase38InvalidLength = errors.New("base38: invalid string length")
	ErrBase38Overflow      = errors.New("base38: encoded value too large for chunk")
)
