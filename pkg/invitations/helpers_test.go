package invitations

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/backkem/invitations/pkg/admission"
	"github.com/backkem/invitations/pkg/invitation"
	"github.com/backkem/invitations/pkg/transport"
	"github.com/google/uuid"
)

const testWait = 5 * time.Second

func newTestNetwork(t *testing.T) *transport.MemoryNetwork {
	t.Helper()
	return transport.NewMemoryNetwork(transport.MemoryNetworkConfig{
		CloseLinger: 200 * time.Millisecond,
	})
}

// newTestHost creates a hosting manager on its own swarm.
func newTestHost(t *testing.T, n *transport.MemoryNetwork, configure func(*Config)) (*Manager, *admission.MemoryAuthority, *transport.MemorySwarm) {
	t.Helper()
	swarm := n.NewSwarm("host")
	authority := admission.NewMemoryAuthority(admission.MemoryConfig{})
	config := Config{
		Swarm:     swarm,
		Authority: authority,
		Peer:      admission.PeerIdentity{ID: "host", Name: "host"},
	}
	if configure != nil {
		configure(&config)
	}
	m, err := NewManager(config)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	t.Cleanup(func() {
		m.Close()
		swarm.Close()
	})
	return m, authority, swarm
}

// newTestGuest creates a joining manager on its own swarm.
func newTestGuest(t *testing.T, n *transport.MemoryNetwork, name string, configure func(*Config)) (*Manager, *transport.MemorySwarm) {
	t.Helper()
	swarm := n.NewSwarm(name)
	config := Config{
		Swarm:        swarm,
		Peer:         admission.PeerIdentity{ID: name, Name: name},
		DialInterval: 10 * time.Millisecond,
	}
	if configure != nil {
		configure(&config)
	}
	m, err := NewManager(config)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	t.Cleanup(func() {
		m.Close()
		swarm.Close()
	})
	return m, swarm
}

func createInvitation(t *testing.T, m *Manager, opts invitation.Options) *invitation.Descriptor {
	t.Helper()
	desc, err := m.CreateInvitation(context.Background(), invitation.KindSpace, opts)
	if err != nil {
		t.Fatalf("CreateInvitation() error = %v", err)
	}
	return desc
}

func mustHost(t *testing.T, n *transport.MemoryNetwork) *Manager {
	t.Helper()
	m, _, _ := newTestHost(t, n, nil)
	return m
}

func acceptInvitation(t *testing.T, m *Manager, desc *invitation.Descriptor) *GuestSession {
	t.Helper()
	g, err := m.AcceptInvitation(context.Background(), desc)
	if err != nil {
		t.Fatalf("AcceptInvitation() error = %v", err)
	}
	return g
}

// waitState waits for s to reach one of states.
func waitState(t *testing.T, s Session, states ...State) Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testWait)
	defer cancel()
	ev, err := WaitFor(ctx, s, states...)
	if err != nil {
		t.Fatalf("%s session: waiting for %v: last state %s: %v (cause: %v)",
			s.Role(), states, ev.State, err, s.Err())
	}
	return ev
}

// waitAuthCode polls the host until an auth code is available.
func waitAuthCode(t *testing.T, m *Manager, id uuid.UUID) string {
	t.Helper()
	deadline := time.Now().Add(testWait)
	for {
		code, err := m.GetAuthCode(id)
		if err == nil {
			return code
		}
		if !errors.Is(err, ErrInvalidState) {
			t.Fatalf("GetAuthCode() error = %v", err)
		}
		if time.Now().After(deadline) {
			t.Fatalf("GetAuthCode() not available: %v", err)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// waitHostSession polls until the registered host session is new and
// waiting for a guest.
func waitHostSession(t *testing.T, m *Manager, id uuid.UUID, old *HostSession) *HostSession {
	t.Helper()
	deadline := time.Now().Add(testWait)
	for {
		h, err := m.Host(id)
		if err != nil {
			t.Fatalf("Host() error = %v", err)
		}
		if h != old && h.State() == StateConnecting {
			return h
		}
		if time.Now().After(deadline) {
			t.Fatalf("host session not re-armed, state %s", h.State())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// collect gathers events from ch until it closes.
func collect(ch <-chan Event) func() []Event {
	var (
		mu     sync.Mutex
		events []Event
		done   = make(chan struct{})
	)
	go func() {
		defer close(done)
		for ev := range ch {
			mu.Lock()
			events = append(events, ev)
			mu.Unlock()
		}
	}()
	return func() []Event {
		select {
		case <-done:
		case <-time.After(testWait):
		}
		mu.Lock()
		defer mu.Unlock()
		return append([]Event(nil), events...)
	}
}

func states(events []Event) []State {
	out := make([]State, len(events))
	for i, ev := range events {
		out[i] = ev.State
	}
	return out
}

func countState(events []Event, state State) int {
	n := 0
	for _, ev := range events {
		if ev.State == state {
			n++
		}
	}
	return n
}

// wrongCode returns a well-formed code different from code.
func wrongCode(code string) string {
	var n int
	fmt.Sscanf(code, "%d", &n)
	return fmt.Sprintf("%06d", (n+1)%1_000_000)
}

// submitExpect submits code and waits for the guest's reaction.
func submitExpect(t *testing.T, g *GuestSession, code string, want ...State) Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testWait)
	defer cancel()

	ch := g.Subscribe(ctx)
	<-ch // current state
	if err := g.SubmitAuthCode(code); err != nil {
		t.Fatalf("SubmitAuthCode() error = %v", err)
	}
	for ev := range ch {
		for _, s := range want {
			if ev.State == s {
				return ev
			}
		}
	}
	t.Fatalf("guest never reached %v, state %s (cause: %v)", want, g.State(), g.Err())
	return Event{}
}
