package handshake

import "fmt"

// StatusCode is carried by a Failure message.
type StatusCode uint16

const (
	// StatusBusy: the host is already handshaking with another guest.
	StatusBusy StatusCode = 0x0001
	// StatusBadInvitation: the guest named an invitation the host does not serve.
	StatusBadInvitation StatusCode = 0x0002
	// StatusInvalidState: the invitation cannot accept a guest right now,
	// e.g. a single-use invitation that already admitted someone.
	StatusInvalidState StatusCode = 0x0003
	// StatusAuthExhausted: too many wrong auth codes.
	StatusAuthExhausted StatusCode = 0x0004
	// StatusAdmissionFailed: the admission authority rejected the guest.
	StatusAdmissionFailed StatusCode = 0x0005
	// StatusExpired: the invitation timed out.
	StatusExpired StatusCode = 0x0006
	// StatusProtocolError: an unexpected or malformed message was received.
	StatusProtocolError StatusCode = 0x0007
	// StatusInternalError: the host failed locally (e.g. code generation).
	StatusInternalError StatusCode = 0x0008
)

// String returns the status name.
func (s StatusCode) String() string {
	switch s {
	case StatusBusy:
		return "Busy"
	case StatusBadInvitation:
		return "BadInvitation"
	case StatusInvalidState:
		return "InvalidState"
	case StatusAuthExhausted:
		return "AuthExhausted"
	case StatusAdmissionFailed:
		return "AdmissionFailed"
	case StatusExpired:
		return "Expired"
	case StatusProtocolError:
		return "ProtocolError"
	case StatusInternalError:
		return "InternalError"
	default:
		return fmt.Sprintf("StatusCode(0x%04x)", uint16(s))
	}
}

// IsRetryable reports whether a guest may reconnect after this status
// without user intervention.
func (s StatusCode) IsRetryable() bool {
	return s == StatusBusy
}
