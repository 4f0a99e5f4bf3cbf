package transport

import "errors"

// Transport errors.
var (
	// ErrClosed is returned when an operation is attempted on a closed swarm,
	// listener or connection.
	ErrClosed = errors.New("transport: closed")

	// ErrNoPeers is returned by Connect when nobody listens on the topic yet.
	// Callers are expected to retry.
	ErrNoPeers = errors.New("transport: no peers for topic")

	// ErrOffline is returned when the local swarm has no connectivity.
	ErrOffline = errors.New("transport: offline")

	// ErrTopicInUse is returned by Listen when the topic already has a listener.
	ErrTopicInUse = errors.New("transport: topic already has a listener")

	// ErrConnectionLost is returned by Recv when the connection dropped
	// without an orderly close.
	ErrConnectionLost = errors.New("transport: connection lost")

	// ErrMessageTooLarge is returned when a message exceeds MaxMessageSize.
	ErrMessageTooLarge = errors.New("transport: message too large")

	// ErrInvalidLengthPrefix is returned for a zero-length stream frame.
	ErrInvalidLengthPrefix = errors.New("transport: invalid length prefix")
)
