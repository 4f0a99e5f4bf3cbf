package invitations

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/backkem/invitations/pkg/admission"
	"github.com/backkem/invitations/pkg/authcode"
	"github.com/backkem/invitations/pkg/handshake"
	"github.com/backkem/invitations/pkg/invitation"
	"github.com/backkem/invitations/pkg/transport"
	"github.com/google/uuid"
	"github.com/pion/logging"
)

// Manager runs host and guest sessions for one local peer.
type Manager struct {
	config    Config
	registry  *Registry
	generator *authcode.Generator

	log      logging.LeveledLogger
	hostLog  logging.LeveledLogger
	guestLog logging.LeveledLogger

	mu     sync.Mutex
	hosts  map[uuid.UUID]*hostInvitation
	closed bool
}

// hostInvitation is the listener side of one invitation. It outlives the
// host sessions that reset or re-arm replaces.
type hostInvitation struct {
	desc      *invitation.Descriptor
	expiresAt time.Time
	listener  transport.Listener

	cancel context.CancelFunc
	done   chan struct{}
}

func (inv *hostInvitation) close() {
	inv.cancel()
	_ = inv.listener.Close()
	<-inv.done
}

// NewManager creates a manager.
func NewManager(config Config) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	config.applyDefaults()

	m := &Manager{
		config:    config,
		registry:  NewRegistry(),
		generator: authcode.NewGenerator(config.Random),
		hosts:     make(map[uuid.UUID]*hostInvitation),
	}
	if config.LoggerFactory != nil {
		m.log = config.LoggerFactory.NewLogger("invitations")
		m.hostLog = config.LoggerFactory.NewLogger("host")
		m.guestLog = config.LoggerFactory.NewLogger("guest")
	}
	return m, nil
}

// Registry returns the session registry.
func (m *Manager) Registry() *Registry {
	return m.registry
}

// Peer returns the local identity presented when joining.
func (m *Manager) Peer() admission.PeerIdentity {
	return m.config.Peer
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// CreateInvitation issues an invitation and starts listening for its guest.
// The returned descriptor is what travels over the side channel.
func (m *Manager) CreateInvitation(ctx context.Context, kind invitation.Kind, opts invitation.Options) (*invitation.Descriptor, error) {
	if m.isClosed() {
		return nil, ErrClosed
	}
	if m.config.Authority == nil {
		return nil, ErrNoAuthority
	}

	desc, err := invitation.New(kind, opts)
	if err != nil {
		return nil, err
	}

	listener, err := m.config.Swarm.Listen(ctx, transport.Topic(desc.SwarmKey()))
	if err != nil {
		return nil, err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	inv := &hostInvitation{
		desc:     desc,
		listener: listener,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	if desc.HasTimeout() {
		inv.expiresAt = time.Now().Add(desc.Timeout())
	}

	h := m.newHost(inv)
	if err := m.registry.Register(h); err != nil {
		h.dispose("not registered")
		cancel()
		_ = listener.Close()
		return nil, err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		m.registry.Remove(desc.ID())
		h.dispose("manager closed")
		cancel()
		_ = listener.Close()
		return nil, ErrClosed
	}
	m.hosts[desc.ID()] = inv
	m.mu.Unlock()

	h.start(m.config.Swarm)
	go m.acceptLoop(loopCtx, inv)

	if m.log != nil {
		m.log.Infof("created %s invitation %s (auth=%s timeout=%v multi-use=%v)",
			desc.Kind(), desc.ID(), desc.AuthMethod(), desc.Timeout(), desc.MultiUse())
	}
	return desc, nil
}

func (m *Manager) newHost(inv *hostInvitation) *HostSession {
	return newHostSession(inv.desc, inv.expiresAt, hostConfig{
		authority:    m.config.Authority,
		generator:    m.generator,
		maxAttempts:  m.config.MaxAuthAttempts,
		regenerate:   m.config.RegenerateCodeOnFailure,
		admitTimeout: m.config.AdmitTimeout,
		policy:       m.config.OfflinePolicy,
		beforeEnd: func(h *HostSession, state State, byGuest bool) {
			m.rearm(inv, h, state, byGuest)
		},
	}, m.hostLog)
}

// rearm replaces a host session that ended because of its guest, or that
// admitted a guest on a multi-use invitation, with a fresh one.
func (m *Manager) rearm(inv *hostInvitation, old *HostSession, state State, byGuest bool) {
	if m.config.DisableRearm || m.isClosed() {
		return
	}
	if !byGuest && !(state == StateSuccess && inv.desc.MultiUse()) {
		return
	}
	if !inv.expiresAt.IsZero() && !time.Now().Before(inv.expiresAt) {
		return
	}

	next := m.newHost(inv)
	next.start(m.config.Swarm)
	if !m.registry.Replace(old, next) {
		next.dispose("superseded")
		return
	}
	if m.log != nil {
		m.log.Infof("invitation %s re-armed after %s", inv.desc.ID(), state)
	}
}

func (m *Manager) acceptLoop(ctx context.Context, inv *hostInvitation) {
	defer close(inv.done)
	for {
		conn, err := inv.listener.Accept(ctx)
		if err != nil {
			if m.log != nil && ctx.Err() == nil {
				m.log.Debugf("invitation %s: accept ended: %v", inv.desc.ID(), err)
			}
			return
		}
		m.route(inv, conn)
	}
}

// route offers conn to the current host session, or answers for an
// invitation that can no longer take guests.
func (m *Manager) route(inv *hostInvitation, conn transport.Conn) {
	s, ok := m.registry.Lookup(inv.desc.ID())
	if h, isHost := s.(*HostSession); ok && isHost && h.offer(conn) {
		return
	}
	// The session may have ended and been replaced since the lookup.
	if again, found := m.registry.Lookup(inv.desc.ID()); found && again != s {
		s, ok = again, found
		if h, isHost := s.(*HostSession); isHost && h.offer(conn) {
			return
		}
	}

	state := StateCancelled
	if ok {
		state = s.State()
	}
	if m.log != nil {
		m.log.Debugf("invitation %s: refusing guest in state %s", inv.desc.ID(), state)
	}
	switch state {
	case StateTimeout:
		refuse(conn, &handshake.Failure{Status: handshake.StatusExpired})
	case StateCancelled:
		refuse(conn, &handshake.Cancel{Reason: "invitation cancelled"})
	default:
		refuse(conn, &handshake.Failure{Status: handshake.StatusInvalidState})
	}
}

// AcceptInvitation starts joining through desc. The session runs until it
// reaches a terminal state; ctx only bounds the call itself.
func (m *Manager) AcceptInvitation(ctx context.Context, desc *invitation.Descriptor) (*GuestSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m.isClosed() {
		return nil, ErrClosed
	}
	if err := desc.Validate(); err != nil {
		return nil, err
	}

	var expiresAt time.Time
	if desc.HasTimeout() {
		expiresAt = time.Now().Add(desc.Timeout())
	}
	g := m.newGuest(desc, expiresAt)
	if err := m.registry.Register(g); err != nil {
		g.dispose("not registered")
		return nil, err
	}
	g.start()

	if m.log != nil {
		m.log.Infof("joining %s invitation %s", desc.Kind(), desc.ID())
	}
	return g, nil
}

func (m *Manager) newGuest(desc *invitation.Descriptor, expiresAt time.Time) *GuestSession {
	backoff := newDialBackoff(m.config.DialInterval, m.config.MaxDialInterval, nil)
	return newGuestSession(desc, expiresAt, m.config.Swarm, m.config.Peer, backoff, m.config.OfflinePolicy, m.guestLog)
}

// Session returns the current session for id.
func (m *Manager) Session(id uuid.UUID) (Session, error) {
	s, ok := m.registry.Lookup(id)
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

// Host returns the current host session for id.
func (m *Manager) Host(id uuid.UUID) (*HostSession, error) {
	s, err := m.Session(id)
	if err != nil {
		return nil, err
	}
	h, ok := s.(*HostSession)
	if !ok {
		return nil, ErrNotHost
	}
	return h, nil
}

// Guest returns the current guest session for id.
func (m *Manager) Guest(id uuid.UUID) (*GuestSession, error) {
	s, err := m.Session(id)
	if err != nil {
		return nil, err
	}
	g, ok := s.(*GuestSession)
	if !ok {
		return nil, ErrNotGuest
	}
	return g, nil
}

// SubmitAuthCode submits code on the guest session for id.
func (m *Manager) SubmitAuthCode(id uuid.UUID, code string) error {
	g, err := m.Guest(id)
	if err != nil {
		return err
	}
	return g.SubmitAuthCode(code)
}

// GetAuthCode returns the host's current auth code for id.
func (m *Manager) GetAuthCode(id uuid.UUID) (string, error) {
	h, err := m.Host(id)
	if err != nil {
		return "", err
	}
	return h.AuthCode()
}

// CancelInvitation cancels the session for id and notifies the other peer.
func (m *Manager) CancelInvitation(id uuid.UUID) error {
	s, err := m.Session(id)
	if err != nil {
		return err
	}
	return cancelSession(s)
}

func cancelSession(s Session) error {
	switch s := s.(type) {
	case *HostSession:
		return s.Cancel()
	case *GuestSession:
		return s.Cancel()
	}
	return ErrNotFound
}

// ResetInvitation replaces the session for id with a fresh one against the
// same descriptor. A host reset gets a new auth code and retry budget but
// keeps the original expiry. A guest may reset after any terminal state
// except SUCCESS.
func (m *Manager) ResetInvitation(ctx context.Context, id uuid.UUID) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m.isClosed() {
		return nil, ErrClosed
	}
	s, err := m.Session(id)
	if err != nil {
		return nil, err
	}

	switch old := s.(type) {
	case *HostSession:
		return m.resetHost(old)
	case *GuestSession:
		return m.resetGuest(old)
	}
	return nil, ErrNotFound
}

func (m *Manager) resetHost(old *HostSession) (Session, error) {
	m.mu.Lock()
	inv, ok := m.hosts[old.ID()]
	m.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}

	if state := old.State(); state == StateSuccess {
		return nil, &InvalidStateError{Op: "reset", State: state}
	}

	// The replacement is registered before the old session ends so a
	// guest arriving in between is routed to it rather than refused.
	next := m.newHost(inv)
	next.start(m.config.Swarm)
	replaced := false
	err := old.call("reset", func() error {
		if old.state == StateSuccess {
			return &InvalidStateError{Op: "reset", State: old.state}
		}
		if !m.registry.Replace(old, next) {
			return &InvalidStateError{Op: "reset", State: old.state}
		}
		replaced = true
		if old.state.IsTerminal() {
			return nil
		}
		return old.cancel("reset by host")
	})
	if !replaced && errors.Is(err, ErrInvalidState) {
		// The old loop has already stopped.
		if state := old.State(); state != StateSuccess && m.registry.Replace(old, next) {
			replaced, err = true, nil
		}
	}
	if !replaced {
		next.dispose("superseded")
		if err == nil {
			err = &InvalidStateError{Op: "reset", State: old.State()}
		}
		return nil, err
	}
	if m.log != nil {
		m.log.Infof("invitation %s reset by host", old.ID())
	}
	return next, nil
}

func (m *Manager) resetGuest(old *GuestSession) (Session, error) {
	if state := old.State(); !state.IsTerminal() || state == StateSuccess {
		return nil, &InvalidStateError{Op: "reset", State: state}
	}

	next := m.newGuest(old.desc, old.expiresAt)
	if !m.registry.Replace(old, next) {
		next.dispose("superseded")
		return nil, &InvalidStateError{Op: "reset", State: old.State()}
	}
	next.start()
	if m.log != nil {
		m.log.Infof("invitation %s reset by guest", old.ID())
	}
	return next, nil
}

// Remove drops the session for id, cancelling it if still running, and
// stops listening if this peer hosts the invitation.
func (m *Manager) Remove(id uuid.UUID) error {
	s, ok := m.registry.Remove(id)
	if !ok {
		return ErrNotFound
	}
	if !s.State().IsTerminal() {
		_ = cancelSession(s)
	}
	m.closeHost(id)
	return nil
}

// Reap drops all terminal sessions and returns them.
func (m *Manager) Reap() []Session {
	reaped := m.registry.Reap()
	for _, s := range reaped {
		if s.Role() == RoleHost {
			m.closeHost(s.ID())
		}
	}
	return reaped
}

func (m *Manager) closeHost(id uuid.UUID) {
	m.mu.Lock()
	inv, ok := m.hosts[id]
	delete(m.hosts, id)
	m.mu.Unlock()
	if ok {
		inv.close()
	}
}

// Close cancels all running sessions and stops listening. The swarm is
// left open.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	hosts := m.hosts
	m.hosts = make(map[uuid.UUID]*hostInvitation)
	m.mu.Unlock()

	m.registry.Range(func(s Session) bool {
		if !s.State().IsTerminal() {
			_ = cancelSession(s)
		}
		return true
	})
	for _, inv := range hosts {
		inv.close()
	}
	if m.log != nil {
		m.log.Info("manager closed")
	}
	return nil
}
