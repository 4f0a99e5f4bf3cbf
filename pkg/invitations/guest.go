package invitations

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/backkem/invitations/pkg/admission"
	"github.com/backkem/invitations/pkg/authcode"
	"github.com/backkem/invitations/pkg/handshake"
	"github.com/backkem/invitations/pkg/invitation"
	"github.com/backkem/invitations/pkg/transport"
	"github.com/pion/logging"
)

// GuestSession joins through one invitation.
type GuestSession struct {
	*session

	swarm   transport.Swarm
	self    admission.PeerIdentity
	backoff *dialBackoff

	// Owned by the loop goroutine.
	pending bool

	// Guarded by session.mu.
	remaining int
	record    *admission.MembershipRecord
}

func newGuestSession(desc *invitation.Descriptor, expiresAt time.Time, swarm transport.Swarm, self admission.PeerIdentity, backoff *dialBackoff, policy OfflinePolicy, log logging.LeveledLogger) *GuestSession {
	return &GuestSession{
		session: newSession(desc, RoleGuest, expiresAt, policy, log),
		swarm:   swarm,
		self:    self,
		backoff: backoff,
	}
}

// start begins dialing the host.
func (g *GuestSession) start() {
	g.post(func() {
		g.transition(StateConnecting, "looking for host", 0)
		g.startTimer(g.expire)
		g.watchConnectivity(g.swarm, func(state transport.ConnectivityState) {
			g.offline(state)
		})

		ctx, cancel := context.WithCancel(context.Background())
		g.onFinish = cancel
		go g.dial(ctx)
	})
}

// dial retries until a host answers on the invitation topic.
func (g *GuestSession) dial(ctx context.Context) {
	topic := transport.Topic(g.desc.SwarmKey())
	for attempt := 0; ; attempt++ {
		conn, err := g.swarm.Connect(ctx, topic)
		if err == nil {
			err = g.call("connect", func() error {
				g.connected(conn)
				return nil
			})
			if err != nil {
				_ = conn.Close()
			}
			return
		}
		if ctx.Err() != nil {
			return
		}
		if !errors.Is(err, transport.ErrNoPeers) && !errors.Is(err, transport.ErrOffline) {
			g.post(func() {
				if g.state == StateConnecting {
					g.finish(StateError, fmt.Errorf("%w: %v", ErrTransport, err), "dial failed")
				}
			})
			return
		}

		delay := g.backoff.next(attempt)
		if g.log != nil {
			g.log.Tracef("guest %s: no host yet (%v), retrying in %v", g.desc.ID(), err, delay)
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
	}
}

func (g *GuestSession) connected(conn transport.Conn) {
	if g.state != StateConnecting {
		_ = conn.Close()
		return
	}
	g.attach(conn, g.handleMessage, g.handleClosed)
	g.transition(StateConnected, "connected to host "+conn.RemoteAddr().String(), 0)

	err := g.send(&handshake.Introduce{
		InvitationID: g.desc.ID(),
		PeerID:       g.self.ID,
		PeerName:     g.self.Name,
	})
	if err != nil {
		g.finish(StateError, err, "host unreachable")
	}
}

// SubmitAuthCode sends code to the host. The outcome arrives as a state
// change: AUTH_FAILED, SUCCESS or ERROR. Outside AUTHENTICATING it returns
// an InvalidStateError, and a malformed code returns
// authcode.ErrInvalidFormat without using an attempt.
func (g *GuestSession) SubmitAuthCode(code string) error {
	return g.call("submit auth code", func() error {
		if g.state != StateAuthenticating || g.pending {
			return &InvalidStateError{Op: "submit auth code", State: g.state}
		}
		if err := authcode.CheckFormat(code); err != nil {
			return err
		}
		g.countAttempt()
		if err := g.send(&handshake.Authenticate{Code: code}); err != nil {
			g.finish(StateError, err, "host unreachable")
			return err
		}
		g.pending = true
		return nil
	})
}

// Cancel ends the session and tells the host.
func (g *GuestSession) Cancel() error {
	return g.call("cancel", func() error {
		if g.state.IsTerminal() {
			return &InvalidStateError{Op: "cancel", State: g.state}
		}
		if g.conn != nil {
			_ = g.send(&handshake.Cancel{Reason: "cancelled by guest"})
		}
		g.finish(StateCancelled, ErrCancelled, "cancelled by guest")
		return nil
	})
}

// Record returns the membership record after SUCCESS.
func (g *GuestSession) Record() *admission.MembershipRecord {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.record
}

// AttemptsRemaining returns how many wrong codes the host still accepts.
func (g *GuestSession) AttemptsRemaining() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.remaining
}

func (g *GuestSession) setRemaining(n int) {
	g.mu.Lock()
	g.remaining = n
	g.mu.Unlock()
}

func (g *GuestSession) expire() {
	if g.state.IsTerminal() {
		return
	}
	g.finish(StateTimeout, ErrTimeout, "invitation expired")
}

func (g *GuestSession) handleClosed(err error) {
	g.finish(StateError, closedErr(err), "host disconnected")
}

func (g *GuestSession) handleMessage(msg *handshake.Message) {
	switch body := msg.Body.(type) {
	case *handshake.AuthRequired:
		if g.state != StateConnected {
			g.protocolError(fmt.Errorf("%w: auth required in state %s", ErrProtocol, g.state))
			return
		}
		g.setRemaining(body.MaxAttempts)
		g.transition(StateAuthenticating, "auth code required", body.MaxAttempts)

	case *handshake.AuthFailed:
		if g.state != StateAuthenticating || !g.pending {
			g.protocolError(fmt.Errorf("%w: unsolicited auth failure", ErrProtocol))
			return
		}
		g.pending = false
		g.setRemaining(body.Remaining)
		g.transition(StateAuthFailed, fmt.Sprintf("wrong code, %d attempts remaining", body.Remaining), body.Remaining)
		g.transition(StateAuthenticating, "awaiting code", body.Remaining)

	case *handshake.Admitted:
		if g.state != StateConnected && !(g.state == StateAuthenticating && g.pending) {
			g.protocolError(fmt.Errorf("%w: admitted in state %s", ErrProtocol, g.state))
			return
		}
		g.mu.Lock()
		g.record = &admission.MembershipRecord{
			MemberID:     body.MemberID,
			InvitationID: g.desc.ID(),
			Peer:         g.self,
			AdmittedAt:   time.UnixMilli(body.AdmittedAt).UTC(),
		}
		g.mu.Unlock()
		g.finish(StateSuccess, nil, "admitted as "+body.MemberID)

	case *handshake.Cancel:
		g.finish(StateCancelled, fmt.Errorf("%w by host: %s", ErrCancelled, body.Reason), "cancelled by host")

	case *handshake.Failure:
		cause := &StatusError{Status: body.Status, Message: body.Message}
		state := StateError
		if body.Status == handshake.StatusExpired {
			state = StateTimeout
		}
		g.finish(state, cause, body.Status.String())

	default:
		g.protocolError(fmt.Errorf("%w: unexpected %s from host", ErrProtocol, msg.Opcode))
	}
}

var _ Session = (*GuestSession)(nil)
