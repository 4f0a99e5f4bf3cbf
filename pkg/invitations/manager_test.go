package invitations

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/backkem/invitations/pkg/admission"
	"github.com/backkem/invitations/pkg/authcode"
	"github.com/backkem/invitations/pkg/invitation"
	"github.com/google/uuid"
)

func TestNewManager_Validation(t *testing.T) {
	if _, err := NewManager(Config{}); !errors.Is(err, ErrSwarmRequired) {
		t.Errorf("NewManager() without swarm error = %v, want ErrSwarmRequired", err)
	}

	n := newTestNetwork(t)
	swarm := n.NewSwarm("x")
	defer swarm.Close()

	tests := []struct {
		name   string
		config Config
		want   error
	}{
		{"negative attempts", Config{Swarm: swarm, MaxAuthAttempts: -1}, ErrInvalidConfig},
		{"bad policy", Config{Swarm: swarm, OfflinePolicy: OfflinePolicy(9)}, ErrInvalidConfig},
		{"bad peer", Config{Swarm: swarm, Peer: admission.PeerIdentity{ID: " "}}, admission.ErrInvalidPeer},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewManager(tt.config); !errors.Is(err, tt.want) {
				t.Errorf("NewManager() error = %v, want %v", err, tt.want)
			}
		})
	}

	m, err := NewManager(Config{Swarm: swarm})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	defer m.Close()
	if m.Peer().ID == "" {
		t.Error("default peer id is empty")
	}
	if _, err := m.CreateInvitation(context.Background(), invitation.KindDevice, invitation.Options{}); !errors.Is(err, ErrNoAuthority) {
		t.Errorf("CreateInvitation() without authority error = %v, want ErrNoAuthority", err)
	}
}

func TestAuthNone_NeverAuthenticates(t *testing.T) {
	n := newTestNetwork(t)
	host, authority, _ := newTestHost(t, n, nil)
	guestMgr, _ := newTestGuest(t, n, "guest", nil)

	desc := createInvitation(t, host, invitation.Options{AuthMethod: invitation.AuthMethodNone})
	h, err := host.Host(desc.ID())
	if err != nil {
		t.Fatalf("Host() error = %v", err)
	}
	hostEvents := collect(h.Subscribe(context.Background()))

	// The descriptor crosses the side channel as text.
	decoded, err := invitation.Decode(invitation.Encode(desc))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	g := acceptInvitation(t, guestMgr, decoded)
	guestEvents := collect(g.Subscribe(context.Background()))

	waitState(t, g, StateSuccess)
	waitState(t, h, StateSuccess)

	for _, c := range []struct {
		role   string
		events []Event
	}{{"host", hostEvents()}, {"guest", guestEvents()}} {
		if countState(c.events, StateAuthenticating) != 0 {
			t.Errorf("%s passed through AUTHENTICATING: %v", c.role, states(c.events))
		}
		if got := c.events[len(c.events)-1].State; got != StateSuccess {
			t.Errorf("%s final state = %s, want SUCCESS", c.role, got)
		}
	}

	if g.Attempt() != 0 {
		t.Errorf("guest Attempt() = %d, want 0", g.Attempt())
	}
	if authority.Len() != 1 {
		t.Errorf("authority members = %d, want 1", authority.Len())
	}
	rec := g.Record()
	if rec == nil || rec.MemberID != h.Record().MemberID {
		t.Errorf("guest record = %+v, host record = %+v", rec, h.Record())
	}
	if got := h.Guest().ID; got != "guest" {
		t.Errorf("host Guest().ID = %q, want guest", got)
	}
}

func TestSharedSecret_SuccessExactlyOnce(t *testing.T) {
	n := newTestNetwork(t)
	host, authority, _ := newTestHost(t, n, nil)
	guestMgr, _ := newTestGuest(t, n, "guest", nil)

	desc := createInvitation(t, host, invitation.Options{})
	if desc.AuthMethod() != invitation.AuthMethodSharedSecret {
		t.Fatalf("default AuthMethod = %s, want shared-secret", desc.AuthMethod())
	}
	h, _ := host.Host(desc.ID())
	hostEvents := collect(h.Subscribe(context.Background()))

	g := acceptInvitation(t, guestMgr, desc)
	ev := waitState(t, g, StateAuthenticating)
	if ev.AttemptsRemaining != authcode.DefaultMaxAuthAttempts {
		t.Errorf("AttemptsRemaining = %d, want %d", ev.AttemptsRemaining, authcode.DefaultMaxAuthAttempts)
	}

	code := waitAuthCode(t, host, desc.ID())
	if !authcode.ValidFormat(code) {
		t.Fatalf("auth code %q is malformed", code)
	}
	if err := guestMgr.SubmitAuthCode(desc.ID(), code); err != nil {
		t.Fatalf("SubmitAuthCode() error = %v", err)
	}

	waitState(t, g, StateSuccess)
	waitState(t, h, StateSuccess)

	events := hostEvents()
	if got := countState(events, StateSuccess); got != 1 {
		t.Errorf("host SUCCESS events = %d, want 1 (%v)", got, states(events))
	}
	if authority.Calls() != 1 {
		t.Errorf("Admit calls = %d, want 1", authority.Calls())
	}
	if g.Attempt() != 1 || h.Attempt() != 1 {
		t.Errorf("Attempt() guest=%d host=%d, want 1", g.Attempt(), h.Attempt())
	}
	if g.Err() != nil || h.Err() != nil {
		t.Errorf("Err() guest=%v host=%v, want nil", g.Err(), h.Err())
	}

	// Operations on a finished session are rejected.
	if err := g.SubmitAuthCode(code); !errors.Is(err, ErrInvalidState) {
		t.Errorf("SubmitAuthCode() after SUCCESS error = %v, want ErrInvalidState", err)
	}
	if _, err := guestMgr.ResetInvitation(context.Background(), desc.ID()); !errors.Is(err, ErrInvalidState) {
		t.Errorf("ResetInvitation() after SUCCESS error = %v, want ErrInvalidState", err)
	}
}

func TestSubmitAuthCode_Rejected(t *testing.T) {
	n := newTestNetwork(t)
	guestMgr, _ := newTestGuest(t, n, "guest", nil)

	desc, err := invitation.New(invitation.KindDevice, invitation.Options{})
	if err != nil {
		t.Fatalf("invitation.New() error = %v", err)
	}
	g := acceptInvitation(t, guestMgr, desc)
	waitState(t, g, StateConnecting)

	// No host: the guest keeps dialing and cannot take a code.
	err = guestMgr.SubmitAuthCode(desc.ID(), "123456")
	var stateErr *InvalidStateError
	if !errors.As(err, &stateErr) {
		t.Fatalf("SubmitAuthCode() error = %v, want *InvalidStateError", err)
	}
	if stateErr.State != StateConnecting {
		t.Errorf("InvalidStateError.State = %s, want CONNECTING", stateErr.State)
	}
	// State is checked before the code format.
	if err := g.SubmitAuthCode("12ab"); !errors.As(err, &stateErr) {
		t.Errorf("SubmitAuthCode(malformed) while connecting error = %v, want *InvalidStateError", err)
	}
	if g.Attempt() != 0 {
		t.Errorf("Attempt() = %d, want 0", g.Attempt())
	}

	if _, err := guestMgr.AcceptInvitation(context.Background(), desc); !errors.Is(err, ErrDuplicate) {
		t.Errorf("second AcceptInvitation() error = %v, want ErrDuplicate", err)
	}
	if err := guestMgr.SubmitAuthCode(uuid.New(), "123456"); !errors.Is(err, ErrNotFound) {
		t.Errorf("SubmitAuthCode(unknown) error = %v, want ErrNotFound", err)
	}
	if _, err := guestMgr.GetAuthCode(desc.ID()); !errors.Is(err, ErrNotHost) {
		t.Errorf("GetAuthCode() on guest error = %v, want ErrNotHost", err)
	}
	if _, err := guestMgr.ResetInvitation(context.Background(), desc.ID()); !errors.Is(err, ErrInvalidState) {
		t.Errorf("ResetInvitation() while connecting error = %v, want ErrInvalidState", err)
	}
}

func TestSubmitAuthCode_MalformedKeepsAttempt(t *testing.T) {
	n := newTestNetwork(t)
	host, _, _ := newTestHost(t, n, nil)
	guestMgr, _ := newTestGuest(t, n, "guest", nil)

	desc := createInvitation(t, host, invitation.Options{})
	g := acceptInvitation(t, guestMgr, desc)
	waitState(t, g, StateAuthenticating)

	for _, code := range []string{"12ab", "12345", "1234567", ""} {
		if err := g.SubmitAuthCode(code); !errors.Is(err, authcode.ErrInvalidFormat) {
			t.Errorf("SubmitAuthCode(%q) error = %v, want ErrInvalidFormat", code, err)
		}
	}
	if g.Attempt() != 0 {
		t.Errorf("Attempt() = %d, want 0", g.Attempt())
	}
	if g.State() != StateAuthenticating {
		t.Errorf("State() = %s, want AUTHENTICATING", g.State())
	}
	submitExpect(t, g, waitAuthCode(t, host, desc.ID()), StateSuccess)
}

func TestRetryExhaustion_ThenReset(t *testing.T) {
	tests := []struct {
		name         string
		disableRearm bool
	}{
		{"rearm", false},
		{"explicit host reset", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := newTestNetwork(t)
			host, authority, _ := newTestHost(t, n, func(c *Config) {
				c.DisableRearm = tt.disableRearm
			})
			guestMgr, _ := newTestGuest(t, n, "guest", nil)

			desc := createInvitation(t, host, invitation.Options{})
			h, _ := host.Host(desc.ID())
			g := acceptInvitation(t, guestMgr, desc)
			waitState(t, g, StateAuthenticating)
			code := waitAuthCode(t, host, desc.ID())

			for i := 1; i < authcode.DefaultMaxAuthAttempts; i++ {
				ev := submitExpect(t, g, wrongCode(code), StateAuthFailed, StateError)
				if ev.State != StateAuthFailed {
					t.Fatalf("attempt %d: state = %s, want AUTH_FAILED", i, ev.State)
				}
				if want := authcode.DefaultMaxAuthAttempts - i; ev.AttemptsRemaining != want {
					t.Errorf("attempt %d: AttemptsRemaining = %d, want %d", i, ev.AttemptsRemaining, want)
				}
			}
			// The same code stays valid across failures.
			if got := waitAuthCode(t, host, desc.ID()); got != code {
				t.Errorf("auth code changed after failure: %s -> %s", code, got)
			}

			ev := submitExpect(t, g, wrongCode(code), StateAuthFailed, StateError)
			if ev.State != StateError || !errors.Is(ev.Err, ErrAuthenticationFailed) {
				t.Fatalf("final attempt: state %s err %v, want ERROR/ErrAuthenticationFailed", ev.State, ev.Err)
			}
			waitState(t, h, StateError)
			if !errors.Is(h.Err(), ErrAuthenticationFailed) {
				t.Errorf("host Err() = %v, want ErrAuthenticationFailed", h.Err())
			}
			if h.Attempt() != authcode.DefaultMaxAuthAttempts {
				t.Errorf("host Attempt() = %d, want %d", h.Attempt(), authcode.DefaultMaxAuthAttempts)
			}
			if authority.Calls() != 0 {
				t.Errorf("Admit calls = %d, want 0", authority.Calls())
			}

			if tt.disableRearm {
				if cur, _ := host.Host(desc.ID()); cur != h {
					t.Fatal("host re-armed with DisableRearm set")
				}
				if _, err := host.ResetInvitation(context.Background(), desc.ID()); err != nil {
					t.Fatalf("host ResetInvitation() error = %v", err)
				}
			}
			next := waitHostSession(t, host, desc.ID(), h)
			if next.Attempt() != 0 || !next.ExpiresAt().Equal(h.ExpiresAt()) {
				t.Errorf("reset session: Attempt()=%d ExpiresAt()=%v", next.Attempt(), next.ExpiresAt())
			}

			s, err := guestMgr.ResetInvitation(context.Background(), desc.ID())
			if err != nil {
				t.Fatalf("guest ResetInvitation() error = %v", err)
			}
			g2 := s.(*GuestSession)
			waitState(t, g2, StateAuthenticating)
			code2 := waitAuthCode(t, host, desc.ID())
			if err := g2.SubmitAuthCode(code2); err != nil {
				t.Fatalf("SubmitAuthCode() error = %v", err)
			}
			waitState(t, g2, StateSuccess)
			waitState(t, next, StateSuccess)
			if authority.Len() != 1 {
				t.Errorf("members = %d, want 1", authority.Len())
			}
		})
	}
}

func TestHostReset_ReplacementRegisteredFirst(t *testing.T) {
	tests := []struct {
		name      string
		connected bool
	}{
		{"idle", false},
		{"guest connected", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := newTestNetwork(t)
			host, authority, _ := newTestHost(t, n, nil)
			guestMgr, _ := newTestGuest(t, n, "guest", nil)

			desc := createInvitation(t, host, invitation.Options{})
			h, _ := host.Host(desc.ID())
			var g *GuestSession
			if tt.connected {
				g = acceptInvitation(t, guestMgr, desc)
				waitState(t, g, StateAuthenticating)
			}

			// Whoever sees the old session end must already find its
			// replacement in the registry.
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			events := h.Subscribe(ctx)
			seen := make(chan *HostSession, 1)
			go func() {
				for ev := range events {
					if ev.State.IsTerminal() {
						cur, _ := host.Host(desc.ID())
						seen <- cur
						return
					}
				}
			}()

			s, err := host.ResetInvitation(context.Background(), desc.ID())
			if err != nil {
				t.Fatalf("ResetInvitation() error = %v", err)
			}
			next := s.(*HostSession)
			select {
			case cur := <-seen:
				if cur == h || cur != next {
					t.Fatal("old session ended before its replacement was registered")
				}
			case <-time.After(testWait):
				t.Fatal("old session did not end")
			}
			if h.State() != StateCancelled {
				t.Errorf("old state = %s, want CANCELLED", h.State())
			}
			if next.State() != StateConnecting {
				t.Errorf("new state = %s, want CONNECTING", next.State())
			}

			if tt.connected {
				waitState(t, g, StateCancelled)
				s, err := guestMgr.ResetInvitation(context.Background(), desc.ID())
				if err != nil {
					t.Fatalf("guest ResetInvitation() error = %v", err)
				}
				g = s.(*GuestSession)
			} else {
				g = acceptInvitation(t, guestMgr, desc)
			}
			waitState(t, g, StateAuthenticating)
			submitExpect(t, g, waitAuthCode(t, host, desc.ID()), StateSuccess)
			waitState(t, next, StateSuccess)
			if authority.Len() != 1 {
				t.Errorf("members = %d, want 1", authority.Len())
			}
		})
	}
}

func TestRegenerateCodeOnFailure(t *testing.T) {
	n := newTestNetwork(t)
	host, _, _ := newTestHost(t, n, func(c *Config) {
		c.RegenerateCodeOnFailure = true
		c.MaxAuthAttempts = 5
	})
	guestMgr, _ := newTestGuest(t, n, "guest", nil)

	desc := createInvitation(t, host, invitation.Options{})
	g := acceptInvitation(t, guestMgr, desc)
	ev := waitState(t, g, StateAuthenticating)
	if ev.AttemptsRemaining != 5 {
		t.Errorf("AttemptsRemaining = %d, want 5", ev.AttemptsRemaining)
	}

	code := waitAuthCode(t, host, desc.ID())
	submitExpect(t, g, wrongCode(code), StateAuthFailed)
	code2 := waitAuthCode(t, host, desc.ID())

	if code2 != code {
		// The old code is no longer accepted.
		submitExpect(t, g, code, StateAuthFailed)
	}
	submitExpect(t, g, waitAuthCode(t, host, desc.ID()), StateSuccess)
}

func TestTimeout(t *testing.T) {
	n := newTestNetwork(t)
	host, _, _ := newTestHost(t, n, nil)

	timeout := 150 * time.Millisecond
	start := time.Now()
	desc := createInvitation(t, host, invitation.Options{Timeout: timeout})
	h, _ := host.Host(desc.ID())
	events := collect(h.Subscribe(context.Background()))

	if want := start.Add(timeout); h.ExpiresAt().Before(want) || h.ExpiresAt().After(want.Add(time.Second)) {
		t.Errorf("ExpiresAt() = %v, want about %v", h.ExpiresAt(), want)
	}

	ev := waitState(t, h, StateTimeout)
	if elapsed := ev.Time.Sub(start); elapsed < timeout || elapsed > timeout+time.Second {
		t.Errorf("TIMEOUT after %v, want about %v", elapsed, timeout)
	}
	if !errors.Is(ev.Err, ErrTimeout) {
		t.Errorf("event Err = %v, want ErrTimeout", ev.Err)
	}

	// Nothing moves a timed-out session.
	if err := host.CancelInvitation(desc.ID()); !errors.Is(err, ErrInvalidState) {
		t.Errorf("CancelInvitation() after TIMEOUT error = %v, want ErrInvalidState", err)
	}
	time.Sleep(2 * timeout)
	if h.State() != StateTimeout {
		t.Errorf("State() = %s, want TIMEOUT", h.State())
	}
	got := events()
	terminal := 0
	for _, ev := range got {
		if ev.State.IsTerminal() {
			terminal++
		}
	}
	if terminal != 1 || got[len(got)-1].State != StateTimeout {
		t.Errorf("events = %v, want exactly one terminal TIMEOUT", states(got))
	}

	// A guest arriving late is told the invitation expired.
	guestMgr, _ := newTestGuest(t, n, "late", nil)
	g := acceptInvitation(t, guestMgr, desc)
	waitState(t, g, StateTimeout)
	if !errors.Is(g.Err(), ErrTimeout) {
		t.Errorf("guest Err() = %v, want ErrTimeout", g.Err())
	}
}

func TestTimeout_WhileGuestConnected(t *testing.T) {
	n := newTestNetwork(t)
	host, authority, _ := newTestHost(t, n, nil)
	guestMgr, _ := newTestGuest(t, n, "guest", nil)

	timeout := 400 * time.Millisecond
	desc := createInvitation(t, host, invitation.Options{Timeout: timeout})
	h, _ := host.Host(desc.ID())
	g := acceptInvitation(t, guestMgr, desc)
	waitState(t, g, StateAuthenticating)

	waitState(t, h, StateTimeout)
	if !errors.Is(h.Err(), ErrTimeout) {
		t.Errorf("host Err() = %v, want ErrTimeout", h.Err())
	}
	waitState(t, g, StateTimeout)
	if !errors.Is(g.Err(), ErrTimeout) {
		t.Errorf("guest Err() = %v, want ErrTimeout", g.Err())
	}

	// An expired invitation is not re-armed.
	time.Sleep(50 * time.Millisecond)
	if cur, err := host.Host(desc.ID()); err != nil || cur != h {
		t.Errorf("Host() = %p, %v; want the expired session %p", cur, err, h)
	}
	if err := g.SubmitAuthCode("123456"); !errors.Is(err, ErrInvalidState) {
		t.Errorf("SubmitAuthCode() after TIMEOUT error = %v, want ErrInvalidState", err)
	}
	if authority.Calls() != 0 {
		t.Errorf("admission calls = %d, want 0", authority.Calls())
	}
}

func TestTimeout_IgnoredAfterSuccess(t *testing.T) {
	n := newTestNetwork(t)
	host, _, _ := newTestHost(t, n, nil)
	guestMgr, _ := newTestGuest(t, n, "guest", nil)

	timeout := 300 * time.Millisecond
	desc := createInvitation(t, host, invitation.Options{AuthMethod: invitation.AuthMethodNone, Timeout: timeout})
	h, _ := host.Host(desc.ID())
	g := acceptInvitation(t, guestMgr, desc)

	waitState(t, h, StateSuccess)
	waitState(t, g, StateSuccess)
	time.Sleep(timeout + 100*time.Millisecond)

	if h.State() != StateSuccess || g.State() != StateSuccess {
		t.Errorf("states after expiry: host %s guest %s, want SUCCESS", h.State(), g.State())
	}
}

func TestHostCancel_PropagatesToGuest(t *testing.T) {
	n := newTestNetwork(t)
	host, _, _ := newTestHost(t, n, nil)
	guestMgr, _ := newTestGuest(t, n, "guest", nil)

	desc := createInvitation(t, host, invitation.Options{})
	h, _ := host.Host(desc.ID())
	g := acceptInvitation(t, guestMgr, desc)
	waitState(t, g, StateAuthenticating)

	if err := host.CancelInvitation(desc.ID()); err != nil {
		t.Fatalf("CancelInvitation() error = %v", err)
	}
	if h.State() != StateCancelled || !errors.Is(h.Err(), ErrCancelled) {
		t.Errorf("host state %s err %v, want CANCELLED", h.State(), h.Err())
	}

	ev := waitState(t, g, StateCancelled, StateError)
	if ev.State != StateCancelled {
		t.Logf("guest ended in %s: %v", ev.State, ev.Err)
	}

	// Host cancellation never re-arms.
	if cur, _ := host.Host(desc.ID()); cur != h {
		t.Error("host session replaced after host cancel")
	}

	// Late guests learn the invitation is gone.
	lateMgr, _ := newTestGuest(t, n, "late", nil)
	late := acceptInvitation(t, lateMgr, desc)
	waitState(t, late, StateCancelled)
}

func TestGuestCancel_ResetThenAuthenticate(t *testing.T) {
	n := newTestNetwork(t)
	host, authority, _ := newTestHost(t, n, nil)
	guestMgr, _ := newTestGuest(t, n, "guest", nil)

	desc := createInvitation(t, host, invitation.Options{})
	h, _ := host.Host(desc.ID())
	g := acceptInvitation(t, guestMgr, desc)
	waitState(t, g, StateAuthenticating)
	waitAuthCode(t, host, desc.ID())

	if err := guestMgr.CancelInvitation(desc.ID()); err != nil {
		t.Fatalf("CancelInvitation() error = %v", err)
	}
	if g.State() != StateCancelled {
		t.Errorf("guest State() = %s, want CANCELLED", g.State())
	}
	waitState(t, h, StateCancelled)
	if !errors.Is(h.Err(), ErrCancelled) {
		t.Errorf("host Err() = %v, want ErrCancelled", h.Err())
	}
	if err := g.Cancel(); !errors.Is(err, ErrInvalidState) {
		t.Errorf("second Cancel() error = %v, want ErrInvalidState", err)
	}

	next := waitHostSession(t, host, desc.ID(), h)

	s, err := guestMgr.ResetInvitation(context.Background(), desc.ID())
	if err != nil {
		t.Fatalf("ResetInvitation() error = %v", err)
	}
	g2 := s.(*GuestSession)
	if g2 == g || g2.Descriptor() != g.Descriptor() {
		t.Error("reset did not create a new session for the same descriptor")
	}
	waitState(t, g2, StateAuthenticating)
	code := waitAuthCode(t, host, desc.ID())
	if err := guestMgr.SubmitAuthCode(desc.ID(), code); err != nil {
		t.Fatalf("SubmitAuthCode() error = %v", err)
	}
	waitState(t, g2, StateSuccess)
	waitState(t, next, StateSuccess)
	if authority.Len() != 1 {
		t.Errorf("members = %d, want 1", authority.Len())
	}
}

func TestConcurrentInvitations_NoCrossTalk(t *testing.T) {
	n := newTestNetwork(t)
	host, authority, _ := newTestHost(t, n, nil)
	mgrA, _ := newTestGuest(t, n, "guest-a", nil)
	mgrB, _ := newTestGuest(t, n, "guest-b", nil)

	descA := createInvitation(t, host, invitation.Options{})
	descB, err := host.CreateInvitation(context.Background(), invitation.KindDevice, invitation.Options{})
	if err != nil {
		t.Fatalf("CreateInvitation(B) error = %v", err)
	}

	a := acceptInvitation(t, mgrA, descA)
	b := acceptInvitation(t, mgrB, descB)
	waitState(t, a, StateAuthenticating)
	waitState(t, b, StateAuthenticating)

	codeA := waitAuthCode(t, host, descA.ID())
	codeB := waitAuthCode(t, host, descB.ID())

	if codeA != codeB {
		ev := submitExpect(t, a, codeB, StateAuthFailed, StateSuccess, StateError)
		if ev.State != StateAuthFailed {
			t.Fatalf("guest A with B's code reached %s, want AUTH_FAILED", ev.State)
		}
	}

	submitExpect(t, a, codeA, StateSuccess)
	submitExpect(t, b, codeB, StateSuccess)

	members := authority.Members()
	if len(members) != 2 {
		t.Fatalf("members = %d, want 2", len(members))
	}
	want := map[uuid.UUID]string{descA.ID(): "guest-a", descB.ID(): "guest-b"}
	for _, rec := range members {
		if want[rec.InvitationID] != rec.Peer.ID {
			t.Errorf("invitation %s admitted %s, want %s", rec.InvitationID, rec.Peer.ID, want[rec.InvitationID])
		}
	}
}

func TestConcurrentInvitations_IndependentFailure(t *testing.T) {
	n := newTestNetwork(t)
	host, _, _ := newTestHost(t, n, nil)
	guestMgr, _ := newTestGuest(t, n, "guest", nil)

	short := createInvitation(t, host, invitation.Options{Timeout: 100 * time.Millisecond})
	long := createInvitation(t, host, invitation.Options{AuthMethod: invitation.AuthMethodNone})

	hs, _ := host.Host(short.ID())
	waitState(t, hs, StateTimeout)

	hl, _ := host.Host(long.ID())
	if hl.State() != StateConnecting {
		t.Fatalf("other invitation state = %s, want CONNECTING", hl.State())
	}
	g := acceptInvitation(t, guestMgr, long)
	waitState(t, g, StateSuccess)
}

func TestSingleUse_LateGuestRefused(t *testing.T) {
	n := newTestNetwork(t)
	host, authority, _ := newTestHost(t, n, nil)
	first, _ := newTestGuest(t, n, "first", nil)
	second, _ := newTestGuest(t, n, "second", nil)

	desc := createInvitation(t, host, invitation.Options{AuthMethod: invitation.AuthMethodNone})
	waitState(t, acceptInvitation(t, first, desc), StateSuccess)

	late := acceptInvitation(t, second, desc)
	waitState(t, late, StateError)
	if !errors.Is(late.Err(), ErrInvalidState) {
		t.Errorf("late guest Err() = %v, want ErrInvalidState", late.Err())
	}
	if authority.Len() != 1 {
		t.Errorf("members = %d, want 1", authority.Len())
	}
	if _, err := host.ResetInvitation(context.Background(), desc.ID()); !errors.Is(err, ErrInvalidState) {
		t.Errorf("host ResetInvitation() after SUCCESS error = %v, want ErrInvalidState", err)
	}
}

func TestMultiUse_AdmitsEachGuest(t *testing.T) {
	n := newTestNetwork(t)
	host, authority, _ := newTestHost(t, n, nil)

	desc := createInvitation(t, host, invitation.Options{AuthMethod: invitation.AuthMethodNone, MultiUse: true})
	for _, name := range []string{"a", "b", "c"} {
		m, _ := newTestGuest(t, n, name, nil)
		waitState(t, acceptInvitation(t, m, desc), StateSuccess)
	}
	if authority.Len() != 3 {
		t.Errorf("members = %d, want 3", authority.Len())
	}
	h, _ := host.Host(desc.ID())
	if h.State().IsTerminal() {
		t.Errorf("multi-use host state = %s, want non-terminal", h.State())
	}
}

func TestBusyHost_RefusesSecondGuest(t *testing.T) {
	n := newTestNetwork(t)
	host, _, _ := newTestHost(t, n, nil)
	first, _ := newTestGuest(t, n, "first", nil)
	second, _ := newTestGuest(t, n, "second", nil)

	desc := createInvitation(t, host, invitation.Options{})
	g1 := acceptInvitation(t, first, desc)
	waitState(t, g1, StateAuthenticating)

	g2 := acceptInvitation(t, second, desc)
	waitState(t, g2, StateError)
	var statusErr *StatusError
	if !errors.As(g2.Err(), &statusErr) || !errors.Is(g2.Err(), ErrInvalidState) {
		t.Errorf("second guest Err() = %v, want busy StatusError", g2.Err())
	}

	submitExpect(t, g1, waitAuthCode(t, host, desc.ID()), StateSuccess)
}

func TestAdmissionRejected(t *testing.T) {
	n := newTestNetwork(t)
	host, authority, _ := newTestHost(t, n, nil)
	authority.SetReject(func(peer admission.PeerIdentity, _ uuid.UUID) error {
		if peer.ID == "mallory" {
			return errors.New("banned")
		}
		return nil
	})
	mallory, _ := newTestGuest(t, n, "mallory", nil)
	alice, _ := newTestGuest(t, n, "alice", nil)

	desc := createInvitation(t, host, invitation.Options{AuthMethod: invitation.AuthMethodNone})
	h, _ := host.Host(desc.ID())

	g := acceptInvitation(t, mallory, desc)
	waitState(t, g, StateError)
	if !errors.Is(g.Err(), ErrAdmission) {
		t.Errorf("guest Err() = %v, want ErrAdmission", g.Err())
	}
	waitState(t, h, StateError)
	if !errors.Is(h.Err(), ErrAdmission) {
		t.Errorf("host Err() = %v, want ErrAdmission", h.Err())
	}
	if authority.Len() != 0 {
		t.Errorf("members = %d, want 0", authority.Len())
	}

	// The invitation re-arms for the next guest.
	waitHostSession(t, host, desc.ID(), h)
	waitState(t, acceptInvitation(t, alice, desc), StateSuccess)
}

func TestGuestDisconnect_Rearms(t *testing.T) {
	n := newTestNetwork(t)
	host, _, _ := newTestHost(t, n, nil)
	guestMgr, guestSwarm := newTestGuest(t, n, "guest", nil)

	desc := createInvitation(t, host, invitation.Options{})
	h, _ := host.Host(desc.ID())
	g := acceptInvitation(t, guestMgr, desc)
	waitState(t, g, StateAuthenticating)

	guestSwarm.Close()
	waitState(t, h, StateError)
	if !errors.Is(h.Err(), ErrTransport) {
		t.Errorf("host Err() = %v, want ErrTransport", h.Err())
	}
	waitState(t, g, StateError)
	waitHostSession(t, host, desc.ID(), h)
}

func TestManager_RemoveReapClose(t *testing.T) {
	n := newTestNetwork(t)
	host, _, _ := newTestHost(t, n, nil)

	running := createInvitation(t, host, invitation.Options{})
	expired := createInvitation(t, host, invitation.Options{Timeout: 50 * time.Millisecond})
	he, _ := host.Host(expired.ID())
	waitState(t, he, StateTimeout)

	reaped := host.Reap()
	if len(reaped) != 1 || reaped[0].ID() != expired.ID() {
		t.Fatalf("Reap() = %v, want the expired session", reaped)
	}
	if _, err := host.Session(expired.ID()); !errors.Is(err, ErrNotFound) {
		t.Errorf("Session(reaped) error = %v, want ErrNotFound", err)
	}

	hr, _ := host.Host(running.ID())
	if err := host.Remove(running.ID()); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if hr.State() != StateCancelled {
		t.Errorf("removed session state = %s, want CANCELLED", hr.State())
	}
	if err := host.Remove(running.ID()); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Remove() error = %v, want ErrNotFound", err)
	}
	if host.Registry().Len() != 0 {
		t.Errorf("registry Len() = %d, want 0", host.Registry().Len())
	}

	open := createInvitation(t, host, invitation.Options{})
	ho, _ := host.Host(open.ID())
	if err := host.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if ho.State() != StateCancelled {
		t.Errorf("state after Close() = %s, want CANCELLED", ho.State())
	}
	if _, err := host.CreateInvitation(context.Background(), invitation.KindDevice, invitation.Options{}); !errors.Is(err, ErrClosed) {
		t.Errorf("CreateInvitation() after Close error = %v, want ErrClosed", err)
	}
}
