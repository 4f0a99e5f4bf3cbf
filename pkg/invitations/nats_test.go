package invitations

import (
	"errors"
	"testing"
	"time"

	"github.com/backkem/invitations/pkg/admission"
	"github.com/backkem/invitations/pkg/invitation"
	"github.com/backkem/invitations/pkg/transport"
	natsserver "github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
)

// newNATSManager creates a manager on its own broker connection.
func newNATSManager(t *testing.T, url, name string, authority admission.Authority) (*Manager, *nats.Conn) {
	t.Helper()
	nc, err := nats.Connect(url, nats.Timeout(2*time.Second))
	if err != nil {
		t.Fatalf("nats.Connect(%s) error: %v", url, err)
	}
	swarm, err := transport.NewNATSSwarm(transport.NATSConfig{
		Conn:              nc,
		KeepaliveInterval: 20 * time.Millisecond,
		KeepaliveTimeout:  200 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	m, err := NewManager(Config{
		Swarm:        swarm,
		Authority:    authority,
		Peer:         admission.PeerIdentity{ID: name, Name: name},
		DialInterval: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	t.Cleanup(func() {
		m.Close()
		swarm.Close()
		nc.Close()
	})
	return m, nc
}

func TestNATS_GuestVanishes_HostRearms(t *testing.T) {
	opts := natsserver.DefaultTestOptions
	opts.Port = -1
	srv := natsserver.RunServer(&opts)
	defer srv.Shutdown()

	authority := admission.NewMemoryAuthority(admission.MemoryConfig{})
	host, _ := newNATSManager(t, srv.ClientURL(), "host", authority)
	lost, lostNC := newNATSManager(t, srv.ClientURL(), "lost", nil)

	desc := createInvitation(t, host, invitation.Options{})
	h, _ := host.Host(desc.ID())
	g := acceptInvitation(t, lost, desc)
	waitState(t, g, StateAuthenticating)
	waitState(t, h, StateAuthenticating)

	// The guest's process loses the broker without closing anything.
	lostNC.Close()

	waitState(t, h, StateError)
	if !errors.Is(h.Err(), ErrTransport) {
		t.Errorf("host Err() = %v, want ErrTransport", h.Err())
	}

	// The invitation is free again for the next guest.
	waitHostSession(t, host, desc.ID(), h)
	next, _ := newNATSManager(t, srv.ClientURL(), "next", nil)
	g2 := acceptInvitation(t, next, desc)
	waitState(t, g2, StateAuthenticating)
	submitExpect(t, g2, waitAuthCode(t, host, desc.ID()), StateSuccess)
	if authority.Len() != 1 {
		t.Errorf("members = %d, want 1", authority.Len())
	}
}
