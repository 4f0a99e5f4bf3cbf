package admission

import "errors"

var (
	// ErrRejected is returned when the authority refuses the guest.
	ErrRejected = errors.New("admission: rejected")

	// ErrInvalidPeer is returned for an empty or oversized peer identity.
	ErrInvalidPeer = errors.New("admission: invalid peer identity")

	// ErrInvalidInvitation is returned for a nil invitation id.
	ErrInvalidInvitation = errors.New("admission: invalid invitation id")

	// ErrClosed is returned after the store was closed.
	ErrClosed = errors.New("admission: store closed")
)
