// Package admission records guests as members once a pairing handshake
// succeeds. The pairing protocol calls an Authority exactly once per
// successful handshake and treats the call as atomic: it either returns a
// membership record or leaves no trace.
package admission

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MaxPeerNameLength bounds the free-form peer name.
const MaxPeerNameLength = 128

// PeerIdentity names a guest. ID is the peer's stable identity key as
// presented during the handshake; Name is informational.
type PeerIdentity struct {
	ID   string
	Name string
}

// Validate checks that the identity is usable.
func (p PeerIdentity) Validate() error {
	if strings.TrimSpace(p.ID) == "" {
		return ErrInvalidPeer
	}
	if len(p.Name) > MaxPeerNameLength {
		return ErrInvalidPeer
	}
	return nil
}

// String returns the name and id.
func (p PeerIdentity) String() string {
	if p.Name == "" {
		return p.ID
	}
	return p.Name + " (" + p.ID + ")"
}

// MembershipRecord is the durable result of an admission.
type MembershipRecord struct {
	MemberID     string
	InvitationID uuid.UUID
	Peer         PeerIdentity
	AdmittedAt   time.Time
}

// Authority performs the actual membership write.
//
// Admit must be atomic and idempotent for the same (peer, invitation)
// pair: admitting a peer twice with the same invitation returns the
// existing record.
type Authority interface {
	Admit(ctx context.Context, peer PeerIdentity, invitationID uuid.UUID) (*MembershipRecord, error)
}
