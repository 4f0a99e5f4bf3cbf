package invitations

import (
	"context"
	"fmt"
	"time"

	"github.com/backkem/invitations/pkg/admission"
	"github.com/backkem/invitations/pkg/authcode"
	"github.com/backkem/invitations/pkg/handshake"
	"github.com/backkem/invitations/pkg/invitation"
	"github.com/backkem/invitations/pkg/transport"
	"github.com/pion/logging"
)

// hostConfig is the part of Config a host session needs.
type hostConfig struct {
	authority    admission.Authority
	generator    *authcode.Generator
	maxAttempts  int
	regenerate   bool
	admitTimeout time.Duration
	policy       OfflinePolicy

	// beforeEnd runs on the session loop right before a terminal
	// transition, while the final message is still unsent.
	beforeEnd func(h *HostSession, state State, byGuest bool)
}

// HostSession admits one guest through one handshake cycle.
type HostSession struct {
	*session

	cfg    hostConfig
	budget *authcode.RetryBudget

	// Guarded by session.mu.
	code   string
	peer   admission.PeerIdentity
	record *admission.MembershipRecord
}

func newHostSession(desc *invitation.Descriptor, expiresAt time.Time, cfg hostConfig, log logging.LeveledLogger) *HostSession {
	return &HostSession{
		session: newSession(desc, RoleHost, expiresAt, cfg.policy, log),
		cfg:     cfg,
		budget:  authcode.NewRetryBudget(cfg.maxAttempts),
	}
}

// start publishes the session as listening. The caller owns the listener.
func (h *HostSession) start(swarm transport.Swarm) {
	h.post(func() {
		h.transition(StateConnecting, "waiting for guest", 0)
		h.startTimer(h.expire)
		h.watchConnectivity(swarm, func(state transport.ConnectivityState) {
			h.offline(state)
		})
	})
}

// offer hands an accepted connection to the session. It returns false if
// the session is already terminal and did not handle the connection.
func (h *HostSession) offer(conn transport.Conn) bool {
	err := h.call("accept guest", func() error {
		if h.state != StateConnecting {
			refuse(conn, &handshake.Failure{Status: handshake.StatusBusy})
			return nil
		}
		h.attach(conn, h.handleMessage, h.handleClosed)
		h.transition(StateConnected, "guest connected from "+conn.RemoteAddr().String(), 0)
		return nil
	})
	return err == nil
}

// AuthCode returns the code the guest must submit. It is available in
// AUTHENTICATING and AUTH_FAILED.
func (h *HostSession) AuthCode() (string, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.state != StateAuthenticating && h.state != StateAuthFailed {
		return "", &InvalidStateError{Op: "get auth code", State: h.state}
	}
	return h.code, nil
}

// Guest returns the identity the guest introduced itself with.
func (h *HostSession) Guest() admission.PeerIdentity {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.peer
}

// Record returns the membership record after SUCCESS.
func (h *HostSession) Record() *admission.MembershipRecord {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.record
}

// Cancel ends the session and tells a connected guest.
func (h *HostSession) Cancel() error {
	return h.call("cancel", func() error {
		return h.cancel("cancelled by host")
	})
}

func (h *HostSession) cancel(reason string) error {
	if h.state.IsTerminal() {
		return &InvalidStateError{Op: "cancel", State: h.state}
	}
	h.end(StateCancelled, ErrCancelled, reason, &handshake.Cancel{Reason: reason}, false)
	return nil
}

// end finishes the cycle. beforeEnd runs first so a re-armed session is
// in place before the guest learns the outcome.
func (h *HostSession) end(state State, cause error, detail string, final any, byGuest bool) {
	if h.cfg.beforeEnd != nil {
		h.cfg.beforeEnd(h, state, byGuest)
	}
	if final != nil && h.conn != nil {
		if err := h.send(final); err != nil && h.log != nil {
			h.log.Debugf("host %s: final message not sent: %v", h.desc.ID(), err)
		}
	}
	h.finish(state, cause, detail)
}

func (h *HostSession) expire() {
	if h.state.IsTerminal() {
		return
	}
	h.end(StateTimeout, ErrTimeout, "invitation expired",
		&handshake.Failure{Status: handshake.StatusExpired}, false)
}

func (h *HostSession) reject(status handshake.StatusCode, cause error) {
	h.end(StateError, cause, status.String(),
		&handshake.Failure{Status: status, Message: cause.Error()}, true)
}

func (h *HostSession) handleClosed(err error) {
	h.end(StateError, closedErr(err), "guest disconnected", nil, true)
}

func (h *HostSession) handleMessage(msg *handshake.Message) {
	switch body := msg.Body.(type) {
	case *handshake.Introduce:
		h.handleIntroduce(body)
	case *handshake.Authenticate:
		h.handleAuthenticate(body)
	case *handshake.Cancel:
		h.end(StateCancelled, fmt.Errorf("%w by guest: %s", ErrCancelled, body.Reason),
			"cancelled by guest", nil, true)
	case *handshake.Failure:
		h.end(StateError, &StatusError{Status: body.Status, Message: body.Message},
			"guest failed", nil, true)
	default:
		h.reject(handshake.StatusProtocolError,
			fmt.Errorf("%w: unexpected %s from guest", ErrProtocol, msg.Opcode))
	}
}

func (h *HostSession) handleIntroduce(m *handshake.Introduce) {
	if h.state != StateConnected {
		h.reject(handshake.StatusProtocolError,
			fmt.Errorf("%w: introduce in state %s", ErrProtocol, h.state))
		return
	}
	if id := h.desc.ID(); m.InvitationID != id {
		h.reject(handshake.StatusBadInvitation,
			fmt.Errorf("%w: guest introduced for invitation %x", ErrProtocol, m.InvitationID))
		return
	}
	peer := admission.PeerIdentity{ID: m.PeerID, Name: m.PeerName}
	if err := peer.Validate(); err != nil {
		h.reject(handshake.StatusProtocolError, fmt.Errorf("%w: %v", ErrProtocol, err))
		return
	}

	h.mu.Lock()
	h.peer = peer
	h.mu.Unlock()

	if h.log != nil {
		h.log.Infof("host %s: guest %s introduced", h.desc.ID(), peer)
	}

	if h.desc.AuthMethod() == invitation.AuthMethodNone {
		h.admit()
		return
	}

	if err := h.issueCode(); err != nil {
		h.end(StateError, err, "auth code generation failed",
			&handshake.Failure{Status: handshake.StatusInternalError}, false)
		return
	}
	h.transition(StateAuthenticating, "auth code issued", h.budget.Remaining())
	err := h.send(&handshake.AuthRequired{
		CodeLength:  authcode.CodeLength,
		MaxAttempts: h.budget.Max(),
	})
	if err != nil {
		h.end(StateError, err, "guest unreachable", nil, true)
	}
}

func (h *HostSession) issueCode() error {
	code, err := h.cfg.generator.Generate()
	if err != nil {
		return err
	}
	h.mu.Lock()
	h.code = code
	h.mu.Unlock()
	return nil
}

func (h *HostSession) handleAuthenticate(m *handshake.Authenticate) {
	if h.state != StateAuthenticating {
		h.reject(handshake.StatusProtocolError,
			fmt.Errorf("%w: authenticate in state %s", ErrProtocol, h.state))
		return
	}
	attempt := h.countAttempt()

	h.mu.RLock()
	expected := h.code
	h.mu.RUnlock()

	if authcode.Validate(m.Code, expected) {
		h.admit()
		return
	}

	if h.budget.RecordAttempt() == authcode.AttemptExhausted {
		h.reject(handshake.StatusAuthExhausted,
			fmt.Errorf("%w: %d wrong codes", ErrAuthenticationFailed, attempt))
		return
	}

	remaining := h.budget.Remaining()
	h.transition(StateAuthFailed, fmt.Sprintf("wrong code, %d attempts remaining", remaining), remaining)
	if h.cfg.regenerate {
		if err := h.issueCode(); err != nil {
			h.end(StateError, err, "auth code generation failed",
				&handshake.Failure{Status: handshake.StatusInternalError}, false)
			return
		}
	}
	if err := h.send(&handshake.AuthFailed{Remaining: remaining}); err != nil {
		h.end(StateError, err, "guest unreachable", nil, true)
		return
	}
	h.transition(StateAuthenticating, "awaiting code", remaining)
}

// admit runs the admission synchronously on the session loop, so a
// concurrent cancel waits for it to finish.
func (h *HostSession) admit() {
	h.mu.RLock()
	peer := h.peer
	h.mu.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.admitTimeout)
	rec, err := h.cfg.authority.Admit(ctx, peer, h.desc.ID())
	cancel()
	if err != nil {
		h.reject(handshake.StatusAdmissionFailed, fmt.Errorf("%w: %v", ErrAdmission, err))
		return
	}

	h.mu.Lock()
	h.record = rec
	h.mu.Unlock()

	h.end(StateSuccess, nil, "admitted "+peer.String(), &handshake.Admitted{
		MemberID:   rec.MemberID,
		AdmittedAt: rec.AdmittedAt.UnixMilli(),
	}, false)
}

var _ Session = (*HostSession)(nil)
