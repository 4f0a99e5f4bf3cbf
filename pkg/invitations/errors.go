package invitations

import (
	"errors"
	"fmt"

	"github.com/backkem/invitations/pkg/handshake"
)

// Session errors. Terminal causes are reported through Session.Err and the
// terminal Event; they wrap one of these.
var (
	// ErrInvalidState is returned when an operation is not valid in the
	// session's current state.
	ErrInvalidState = errors.New("invitations: invalid state")

	// ErrAuthenticationFailed means the guest ran out of auth attempts.
	ErrAuthenticationFailed = errors.New("invitations: authentication failed")

	// ErrTimeout means the invitation expired.
	ErrTimeout = errors.New("invitations: invitation expired")

	// ErrCancelled means a peer cancelled the handshake.
	ErrCancelled = errors.New("invitations: cancelled")

	// ErrTransport means the connection to the other peer failed.
	ErrTransport = errors.New("invitations: transport failure")

	// ErrAdmission means the admission authority refused or failed.
	ErrAdmission = errors.New("invitations: admission failed")

	// ErrProtocol means the other peer violated the handshake protocol.
	ErrProtocol = errors.New("invitations: protocol violation")
)

// Manager errors.
var (
	ErrNotFound      = errors.New("invitations: invitation not found")
	ErrNotHost       = errors.New("invitations: not a host session")
	ErrNotGuest      = errors.New("invitations: not a guest session")
	ErrDuplicate     = errors.New("invitations: invitation already registered")
	ErrClosed        = errors.New("invitations: manager closed")
	ErrNoAuthority   = errors.New("invitations: admission authority required to host")
	ErrSwarmRequired = errors.New("invitations: swarm required")
	ErrInvalidConfig = errors.New("invitations: invalid configuration")
	ErrSessionEnded  = errors.New("invitations: session ended")
)

// InvalidStateError reports an operation attempted in the wrong state.
type InvalidStateError struct {
	Op    string
	State State
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("invitations: %s not allowed in state %s", e.Op, e.State)
}

// Is makes errors.Is(err, ErrInvalidState) match.
func (e *InvalidStateError) Is(target error) bool {
	return target == ErrInvalidState
}

// StatusError is a failure reported by the other peer.
type StatusError struct {
	Status  handshake.StatusCode
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("invitations: peer reported %s", e.Status)
	}
	return fmt.Sprintf("invitations: peer reported %s: %s", e.Status, e.Message)
}

// Unwrap maps the status to the matching sentinel.
func (e *StatusError) Unwrap() error {
	switch e.Status {
	case handshake.StatusBusy, handshake.StatusInvalidState:
		return ErrInvalidState
	case handshake.StatusAuthExhausted:
		return ErrAuthenticationFailed
	case handshake.StatusAdmissionFailed:
		return ErrAdmission
	case handshake.StatusExpired:
		return ErrTimeout
	case handshake.StatusBadInvitation, handshake.StatusProtocolError:
		return ErrProtocol
	default:
		return ErrTransport
	}
}
