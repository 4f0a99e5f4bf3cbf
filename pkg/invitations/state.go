package invitations

// State is the state of a handshake session.
//
//	INIT -> CONNECTING -> CONNECTED -> AUTHENTICATING <-> AUTH_FAILED -> SUCCESS
//
// CANCELLED, TIMEOUT and ERROR may be entered from any non-terminal state.
type State int

const (
	// StateInit is the state of a freshly created session.
	StateInit State = iota

	// StateConnecting means the host is listening on the rendezvous topic, or
	// the guest is dialing it.
	StateConnecting

	// StateConnected means a transport connection to the other peer exists.
	StateConnected

	// StateAuthenticating means the host issued an auth code and waits for
	// the guest to submit it.
	StateAuthenticating

	// StateAuthFailed is entered after a wrong submission with attempts
	// remaining. It is immediately followed by StateAuthenticating.
	StateAuthFailed

	// StateSuccess means the guest was admitted.
	StateSuccess

	// StateCancelled means either peer cancelled the handshake.
	StateCancelled

	// StateTimeout means the invitation expired.
	StateTimeout

	// StateError means the handshake failed.
	StateError
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateAuthenticating:
		return "AUTHENTICATING"
	case StateAuthFailed:
		return "AUTH_FAILED"
	case StateSuccess:
		return "SUCCESS"
	case StateCancelled:
		return "CANCELLED"
	case StateTimeout:
		return "TIMEOUT"
	case StateError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// IsTerminal returns true for SUCCESS, CANCELLED, TIMEOUT and ERROR.
func (s State) IsTerminal() bool {
	switch s {
	case StateSuccess, StateCancelled, StateTimeout, StateError:
		return true
	default:
		return false
	}
}

// inHandshake reports whether a guest connection is live in this state.
func (s State) inHandshake() bool {
	switch s {
	case StateConnected, StateAuthenticating, StateAuthFailed:
		return true
	default:
		return false
	}
}

// Role tells which side of the handshake a session runs.
type Role int

const (
	// RoleHost admits guests.
	RoleHost Role = iota
	// RoleGuest joins.
	RoleGuest
)

// String returns the role name.
func (r Role) String() string {
	switch r {
	case RoleHost:
		return "host"
	case RoleGuest:
		return "guest"
	default:
		return "unknown"
	}
}
