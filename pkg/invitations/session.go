package invitations

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/backkem/invitations/pkg/handshake"
	"github.com/backkem/invitations/pkg/invitation"
	"github.com/backkem/invitations/pkg/transport"
	"github.com/google/uuid"
	"github.com/pion/logging"
)

// eventQueueSize bounds pending events per session.
const eventQueueSize = 32

// Session is the common view of host and guest sessions.
type Session interface {
	// ID returns the invitation id.
	ID() uuid.UUID

	// Role returns RoleHost or RoleGuest.
	Role() Role

	// State returns the current state.
	State() State

	// Attempt returns the number of auth code submissions so far.
	Attempt() int

	// ExpiresAt returns when the invitation expires, or the zero time.
	ExpiresAt() time.Time

	// Descriptor returns the invitation.
	Descriptor() *invitation.Descriptor

	// Err returns the terminal cause, or nil.
	Err() error

	// Subscribe streams state changes; see Event.
	Subscribe(ctx context.Context) <-chan Event

	// Done is closed once the session is terminal.
	Done() <-chan struct{}
}

// session is an actor: every event (incoming messages, timer, caller
// operations) runs on the loop goroutine, one at a time. The mutex only
// guards fields read from other goroutines.
type session struct {
	desc      *invitation.Descriptor
	role      Role
	expiresAt time.Time
	policy    OfflinePolicy
	log       logging.LeveledLogger

	events  chan func()
	quit    chan struct{}
	stopped chan struct{}

	obs observers

	mu      sync.RWMutex
	state   State
	attempt int
	err     error

	// Owned by the loop goroutine.
	timer       *time.Timer
	conn        transport.Conn
	unsubscribe func()
	onFinish    func()
}

func newSession(desc *invitation.Descriptor, role Role, expiresAt time.Time, policy OfflinePolicy, log logging.LeveledLogger) *session {
	s := &session{
		desc:      desc,
		role:      role,
		expiresAt: expiresAt,
		policy:    policy,
		log:       log,
		events:    make(chan func(), eventQueueSize),
		quit:      make(chan struct{}),
		stopped:   make(chan struct{}),
		state:     StateInit,
	}
	s.obs.last = Event{State: StateInit, Time: time.Now()}
	go s.loop()
	return s
}

func (s *session) loop() {
	defer close(s.stopped)
	for {
		select {
		case <-s.quit:
			return
		default:
		}
		select {
		case fn := <-s.events:
			fn()
		case <-s.quit:
			return
		}
	}
}

// post queues fn on the loop. It returns false once the session is terminal.
func (s *session) post(fn func()) bool {
	select {
	case <-s.quit:
		return false
	default:
	}
	select {
	case s.events <- fn:
		return true
	case <-s.quit:
		return false
	}
}

// call runs fn on the loop and waits for its result.
func (s *session) call(op string, fn func() error) error {
	errc := make(chan error, 1)
	if !s.post(func() { errc <- fn() }) {
		return &InvalidStateError{Op: op, State: s.State()}
	}
	select {
	case err := <-errc:
		return err
	case <-s.stopped:
		select {
		case err := <-errc:
			return err
		default:
			return &InvalidStateError{Op: op, State: s.State()}
		}
	}
}

func (s *session) ID() uuid.UUID                      { return s.desc.ID() }
func (s *session) Role() Role                         { return s.role }
func (s *session) ExpiresAt() time.Time               { return s.expiresAt }
func (s *session) Descriptor() *invitation.Descriptor { return s.desc }
func (s *session) Done() <-chan struct{}              { return s.quit }

func (s *session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *session) Attempt() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.attempt
}

func (s *session) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

func (s *session) Subscribe(ctx context.Context) <-chan Event {
	return s.obs.subscribe(ctx)
}

func (s *session) countAttempt() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempt++
	return s.attempt
}

// transition moves to a non-terminal state. Loop goroutine only.
func (s *session) transition(state State, detail string, remaining int) {
	s.mu.Lock()
	prev := s.state
	s.state = state
	s.mu.Unlock()

	if s.log != nil {
		s.log.Debugf("%s %s: %s -> %s (%s)", s.role, s.desc.ID(), prev, state, detail)
	}
	s.obs.publish(Event{
		State:             state,
		Time:              time.Now(),
		Detail:            detail,
		AttemptsRemaining: remaining,
	})
}

// finish moves to a terminal state and releases the connection and timer.
// Loop goroutine only.
func (s *session) finish(state State, cause error, detail string) {
	s.mu.Lock()
	if s.state.IsTerminal() {
		s.mu.Unlock()
		return
	}
	prev := s.state
	s.state = state
	s.err = cause
	s.mu.Unlock()

	if s.timer != nil {
		s.timer.Stop()
	}
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	if s.onFinish != nil {
		s.onFinish()
	}
	if s.conn != nil {
		_ = s.conn.Close()
	}

	if s.log != nil {
		if cause != nil && state != StateCancelled {
			s.log.Warnf("%s %s: %s -> %s: %v", s.role, s.desc.ID(), prev, state, cause)
		} else {
			s.log.Infof("%s %s: %s -> %s (%s)", s.role, s.desc.ID(), prev, state, detail)
		}
	}
	s.obs.publish(Event{
		State:  state,
		Time:   time.Now(),
		Detail: detail,
		Err:    cause,
	})
	close(s.quit)
}

// dispose ends a session that never got going.
func (s *session) dispose(reason string) {
	s.post(func() {
		s.finish(StateCancelled, ErrCancelled, reason)
	})
}

// startTimer arms the expiry timer. A fire after a terminal transition is
// dropped by post.
func (s *session) startTimer(onExpire func()) {
	if s.expiresAt.IsZero() {
		return
	}
	s.timer = time.AfterFunc(time.Until(s.expiresAt), func() {
		s.post(onExpire)
	})
}

// watchConnectivity forwards swarm connectivity changes to onChange.
func (s *session) watchConnectivity(swarm transport.Swarm, onChange func(transport.ConnectivityState)) {
	s.unsubscribe = swarm.Subscribe(func(state transport.ConnectivityState) {
		// Notifiers must not block; the loop may be busy.
		go s.post(func() { onChange(state) })
	})
}

// offline applies the offline policy. Loop goroutine only.
func (s *session) offline(state transport.ConnectivityState) bool {
	if state != transport.ConnectivityOffline || s.policy != OfflineFail {
		return false
	}
	if !s.state.inHandshake() {
		return false
	}
	s.finish(StateError, fmt.Errorf("%w: swarm went offline", ErrTransport), "offline")
	return true
}

// attach takes ownership of conn and starts reading from it.
// Loop goroutine only.
func (s *session) attach(conn transport.Conn, onMessage func(*handshake.Message), onClosed func(error)) {
	s.conn = conn
	go func() {
		for {
			data, err := conn.Recv()
			if err != nil {
				s.post(func() {
					if s.conn == conn {
						onClosed(err)
					}
				})
				return
			}
			msg, err := handshake.Unmarshal(data)
			if err != nil {
				s.post(func() {
					if s.conn == conn {
						s.protocolError(fmt.Errorf("%w: %v", ErrProtocol, err))
					}
				})
				return
			}
			if !s.post(func() {
				if s.conn == conn {
					onMessage(msg)
				}
			}) {
				return
			}
		}
	}()
}

// send writes one handshake message to the current connection.
func (s *session) send(body any) error {
	if s.conn == nil {
		return ErrTransport
	}
	data, err := handshake.Marshal(body)
	if err != nil {
		return err
	}
	if err := s.conn.Send(data); err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	return nil
}

// fail sends a Failure status (best effort) and ends in ERROR.
func (s *session) fail(status handshake.StatusCode, cause error) {
	if s.conn != nil {
		_ = s.send(&handshake.Failure{Status: status, Message: cause.Error()})
	}
	s.finish(StateError, cause, status.String())
}

func (s *session) protocolError(cause error) {
	s.fail(handshake.StatusProtocolError, cause)
}

// closedErr classifies a connection ending.
func closedErr(err error) error {
	if errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: peer closed the connection", ErrTransport)
	}
	return fmt.Errorf("%w: %v", ErrTransport, err)
}

// refuse answers a connection that cannot be served and closes it.
func refuse(conn transport.Conn, body any) {
	go func() {
		if data, err := handshake.Marshal(body); err == nil {
			_ = conn.Send(data)
		}
		_ = conn.Close()
	}()
}
