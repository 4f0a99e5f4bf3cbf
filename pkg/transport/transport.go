// Package transport provides the swarm abstraction the pairing protocol runs
// on: peers meet on a 32-byte topic, one side listens and the other connects,
// and each connection carries discrete messages in order.
//
// Three swarms are provided: an in-memory network for tests and embedding,
// a LAN swarm (TCP plus DNS-SD rendezvous), and a NATS swarm that meets
// through a broker.
package transport

import (
	"context"
	"encoding/hex"
	"net"
)

// MaxMessageSize is the largest message a connection carries.
const MaxMessageSize = 64 * 1024

// Topic is the rendezvous key peers meet on.
type Topic [32]byte

// String returns the topic in lowercase hex.
func (t Topic) String() string {
	return hex.EncodeToString(t[:])
}

// Short returns the first 8 bytes in hex, for logs and instance names.
func (t Topic) Short() string {
	return hex.EncodeToString(t[:8])
}

// ParseTopic parses a hex topic.
func ParseTopic(s string) (Topic, error) {
	var t Topic
	b, err := hex.DecodeString(s)
	if err != nil {
		return t, err
	}
	if len(b) != len(t) {
		return t, hex.ErrLength
	}
	copy(t[:], b)
	return t, nil
}

// Conn is a message-oriented, ordered connection between two peers.
// Send and Recv may be called concurrently with each other, but only one
// goroutine may call Recv at a time.
type Conn interface {
	// Send transmits one message.
	Send(msg []byte) error

	// Recv blocks for the next message. It returns io.EOF after the peer
	// closed the connection in an orderly way, ErrConnectionLost if the
	// connection dropped, and ErrClosed after a local Close.
	Recv() ([]byte, error)

	// Close releases the connection. Messages already sent are still
	// delivered to the peer before it sees io.EOF.
	Close() error

	// RemoteAddr describes the peer.
	RemoteAddr() net.Addr
}

// Listener yields incoming connections on one topic.
type Listener interface {
	// Accept blocks until a peer connects, ctx ends or the listener closes.
	Accept(ctx context.Context) (Conn, error)

	// Close stops listening. Connections already accepted stay open.
	Close() error

	// Topic returns the topic this listener serves.
	Topic() Topic
}

// Swarm is a network of peers that meet on topics.
type Swarm interface {
	// Listen publishes availability on topic.
	Listen(ctx context.Context, topic Topic) (Listener, error)

	// Connect dials a peer listening on topic. It returns ErrNoPeers when
	// no listener can be found yet.
	Connect(ctx context.Context, topic Topic) (Conn, error)

	// Connectivity returns the current connectivity state.
	Connectivity() ConnectivityState

	// Subscribe registers fn for connectivity changes and returns a
	// function that removes it. fn must not block.
	Subscribe(fn func(ConnectivityState)) (unsubscribe func())

	// Close closes all listeners and connections.
	Close() error
}
