package admission

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/logging"
)

// RejectFunc decides whether a guest may be admitted. A non-nil error
// rejects the guest.
type RejectFunc func(peer PeerIdentity, invitationID uuid.UUID) error

// MemoryConfig configures a MemoryAuthority.
type MemoryConfig struct {
	// Reject is consulted before every admission. Optional.
	Reject RejectFunc

	// LoggerFactory is the factory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

type memberKey struct {
	invitation uuid.UUID
	peer       string
}

// MemoryAuthority is an in-memory Authority.
// Useful for testing and development. Data is lost when the process exits.
//
// All methods are safe for concurrent use.
type MemoryAuthority struct {
	reject RejectFunc
	log    logging.LeveledLogger

	mu      sync.RWMutex
	members map[memberKey]*MembershipRecord
	calls   int
}

// NewMemoryAuthority creates an empty in-memory authority.
func NewMemoryAuthority(config MemoryConfig) *MemoryAuthority {
	m := &MemoryAuthority{
		reject:  config.Reject,
		members: make(map[memberKey]*MembershipRecord),
	}
	if config.LoggerFactory != nil {
		m.log = config.LoggerFactory.NewLogger("admission")
	}
	return m
}

// SetReject replaces the reject hook.
func (m *MemoryAuthority) SetReject(fn RejectFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reject = fn
}

// Admit implements Authority.
func (m *MemoryAuthority) Admit(ctx context.Context, peer PeerIdentity, invitationID uuid.UUID) (*MembershipRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := peer.Validate(); err != nil {
		return nil, err
	}
	if invitationID == uuid.Nil {
		return nil, ErrInvalidInvitation
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++

	if m.reject != nil {
		if err := m.reject(peer, invitationID); err != nil {
			if m.log != nil {
				m.log.Infof("rejected %s for invitation %s: %v", peer, invitationID, err)
			}
			return nil, fmt.Errorf("%w: %v", ErrRejected, err)
		}
	}

	key := memberKey{invitation: invitationID, peer: peer.ID}
	if rec, ok := m.members[key]; ok {
		clone := *rec
		return &clone, nil
	}

	rec := &MembershipRecord{
		MemberID:     uuid.NewString(),
		InvitationID: invitationID,
		Peer:         peer,
		AdmittedAt:   time.Now().UTC(),
	}
	m.members[key] = rec

	if m.log != nil {
		m.log.Infof("admitted %s as %s via invitation %s", peer, rec.MemberID, invitationID)
	}
	clone := *rec
	return &clone, nil
}

// Members returns all records ordered by admission time.
func (m *MemoryAuthority) Members() []MembershipRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]MembershipRecord, 0, len(m.members))
	for _, rec := range m.members {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].AdmittedAt.Before(out[j].AdmittedAt)
	})
	return out
}

// Len returns the number of members.
func (m *MemoryAuthority) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.members)
}

// Calls returns how many times Admit reached the authority, including
// rejected calls.
func (m *MemoryAuthority) Calls() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.calls
}

var _ Authority = (*MemoryAuthority)(nil)
