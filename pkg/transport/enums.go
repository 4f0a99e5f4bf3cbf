package transport

// ConnectivityState is the reachability of the local swarm.
type ConnectivityState int

const (
	// ConnectivityUnknown is the zero value.
	ConnectivityUnknown ConnectivityState = iota
	// ConnectivityOnline means peers can be reached.
	ConnectivityOnline
	// ConnectivityOffline means the swarm lost its network.
	ConnectivityOffline
)

// String returns the string representation of the connectivity state.
func (s ConnectivityState) String() string {
	switch s {
	case ConnectivityOnline:
		return "ONLINE"
	case ConnectivityOffline:
		return "OFFLINE"
	default:
		return "UNKNOWN"
	}
}

// IsValid returns true if the state is a known valid state.
func (s ConnectivityState) IsValid() bool {
	return s == ConnectivityOnline || s == ConnectivityOffline
}
