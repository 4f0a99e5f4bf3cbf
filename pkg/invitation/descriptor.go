package invitation

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"
)

// KeySize is the length of the rendezvous and swarm keys in bytes.
const KeySize = 32

// MaxTimeout is the largest timeout a descriptor can carry.
const MaxTimeout = time.Duration(1<<32-1) * time.Millisecond

// swarmKeyInfo is the HKDF info string for swarm key derivation.
var swarmKeyInfo = []byte("invitation swarm v1")

// Kind identifies what the guest is joining.
type Kind uint8

const (
	KindUnknown Kind = iota
	// KindDevice admits another device of the same identity.
	KindDevice
	// KindSpace admits a new member into a shared space.
	KindSpace
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindDevice:
		return "device"
	case KindSpace:
		return "space"
	default:
		return fmt.Sprintf("Kind(%d)", k)
	}
}

// IsValid reports whether k names a known kind.
func (k Kind) IsValid() bool {
	return k == KindDevice || k == KindSpace
}

// ParseKind parses "device" or "space".
func ParseKind(s string) (Kind, error) {
	switch s {
	case "device":
		return KindDevice, nil
	case "space":
		return KindSpace, nil
	}
	return KindUnknown, fmt.Errorf("%w: %q", ErrInvalidKind, s)
}

// AuthMethod selects how the guest proves possession of the invitation.
type AuthMethod uint8

const (
	// AuthMethodDefault resolves to AuthMethodSharedSecret.
	AuthMethodDefault AuthMethod = iota
	// AuthMethodNone admits any guest that presents the descriptor.
	AuthMethodNone
	// AuthMethodSharedSecret requires the guest to submit the host's auth code.
	AuthMethodSharedSecret
)

// String returns the auth method name.
func (a AuthMethod) String() string {
	switch a {
	case AuthMethodDefault:
		return "default"
	case AuthMethodNone:
		return "none"
	case AuthMethodSharedSecret:
		return "shared-secret"
	default:
		return fmt.Sprintf("AuthMethod(%d)", a)
	}
}

// ParseAuthMethod parses "none", "secret" or "shared-secret".
func ParseAuthMethod(s string) (AuthMethod, error) {
	switch s {
	case "none":
		return AuthMethodNone, nil
	case "secret", "shared-secret":
		return AuthMethodSharedSecret, nil
	}
	return AuthMethodDefault, fmt.Errorf("%w: %q", ErrInvalidAuthMethod, s)
}

// Options configures a new invitation.
type Options struct {
	// AuthMethod defaults to AuthMethodSharedSecret.
	AuthMethod AuthMethod

	// Timeout is the invitation lifetime, truncated to whole milliseconds.
	// Zero means the invitation never expires.
	Timeout time.Duration

	// MultiUse lets the host admit more than one guest with the same
	// invitation.
	MultiUse bool
}

// Descriptor describes one invitation. It is immutable once issued.
type Descriptor struct {
	id            uuid.UUID
	kind          Kind
	authMethod    AuthMethod
	timeout       time.Duration
	multiUse      bool
	rendezvousKey [KeySize]byte
	swarmKey      [KeySize]byte
}

// New creates a descriptor with a random id and rendezvous key.
func New(kind Kind, opts Options) (*Descriptor, error) {
	return newDescriptor(kind, opts, rand.Reader)
}

func newDescriptor(kind Kind, opts Options, random io.Reader) (*Descriptor, error) {
	if !kind.IsValid() {
		return nil, ErrInvalidKind
	}

	auth := opts.AuthMethod
	if auth == AuthMethodDefault {
		auth = AuthMethodSharedSecret
	}
	if auth != AuthMethodNone && auth != AuthMethodSharedSecret {
		return nil, ErrInvalidAuthMethod
	}

	timeout := opts.Timeout.Truncate(time.Millisecond)
	if opts.Timeout < 0 || timeout > MaxTimeout || (opts.Timeout > 0 && timeout == 0) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTimeout, opts.Timeout)
	}

	id, err := uuid.NewRandomFromReader(random)
	if err != nil {
		return nil, fmt.Errorf("invitation: generate id: %w", err)
	}

	d := &Descriptor{
		id:         id,
		kind:       kind,
		authMethod: auth,
		timeout:    timeout,
		multiUse:   opts.MultiUse,
	}
	if _, err := io.ReadFull(random, d.rendezvousKey[:]); err != nil {
		return nil, fmt.Errorf("invitation: generate rendezvous key: %w", err)
	}
	if d.swarmKey, err = deriveSwarmKey(d.rendezvousKey, id); err != nil {
		return nil, err
	}
	return d, nil
}

// deriveSwarmKey derives the swarm routing key from the rendezvous key.
// The invitation id is the HKDF salt so two invitations never share a topic.
func deriveSwarmKey(rendezvous [KeySize]byte, id uuid.UUID) ([KeySize]byte, error) {
	var key [KeySize]byte
	r := hkdf.New(sha256.New, rendezvous[:], id[:], swarmKeyInfo)
	if _, err := io.ReadFull(r, key[:]); err != nil {
		return key, fmt.Errorf("invitation: derive swarm key: %w", err)
	}
	return key, nil
}

// ID returns the invitation id.
func (d *Descriptor) ID() uuid.UUID { return d.id }

// Kind returns what is being joined.
func (d *Descriptor) Kind() Kind { return d.kind }

// AuthMethod returns the authentication method.
func (d *Descriptor) AuthMethod() AuthMethod { return d.authMethod }

// Timeout returns the invitation lifetime, 0 if it never expires.
func (d *Descriptor) Timeout() time.Duration { return d.timeout }

// HasTimeout reports whether the invitation expires.
func (d *Descriptor) HasTimeout() bool { return d.timeout > 0 }

// MultiUse reports whether more than one guest may be admitted.
func (d *Descriptor) MultiUse() bool { return d.multiUse }

// RendezvousKey returns a copy of the rendezvous key.
func (d *Descriptor) RendezvousKey() [KeySize]byte { return d.rendezvousKey }

// SwarmKey returns the derived routing key both peers use as transport topic.
func (d *Descriptor) SwarmKey() [KeySize]byte { return d.swarmKey }

// Validate checks enum ranges, key presence and the swarm key derivation.
func (d *Descriptor) Validate() error {
	if !d.kind.IsValid() {
		return ErrInvalidKind
	}
	if d.authMethod != AuthMethodNone && d.authMethod != AuthMethodSharedSecret {
		return ErrInvalidAuthMethod
	}
	if d.timeout < 0 || d.timeout > MaxTimeout || d.timeout%time.Millisecond != 0 {
		return ErrInvalidTimeout
	}
	if d.id == uuid.Nil {
		return ErrInvalidID
	}
	if d.rendezvousKey == [KeySize]byte{} {
		return ErrMissingKey
	}
	want, err := deriveSwarmKey(d.rendezvousKey, d.id)
	if err != nil {
		return err
	}
	if !bytes.Equal(want[:], d.swarmKey[:]) {
		return ErrSwarmKeyMismatch
	}
	return nil
}

// Equal reports whether two descriptors are identical field for field.
func (d *Descriptor) Equal(other *Descriptor) bool {
	if d == nil || other == nil {
		return d == other
	}
	return *d == *other
}

// String returns a short description without key material.
func (d *Descriptor) String() string {
	s := fmt.Sprintf("invitation %s kind=%s auth=%s", d.id, d.kind, d.authMethod)
	if d.timeout > 0 {
		s += fmt.Sprintf(" timeout=%s", d.timeout)
	}
	if d.multiUse {
		s += " multi-use"
	}
	return s
}
