package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/pion/logging"
)

// NATS swarm defaults.
const (
	// DefaultSubjectPrefix is the subject namespace used by NATSSwarm.
	DefaultSubjectPrefix = "invitation"

	// DefaultRequestTimeout bounds one rendezvous request.
	DefaultRequestTimeout = 2 * time.Second

	// DefaultKeepaliveInterval is how often a connection pings its peer.
	DefaultKeepaliveInterval = time.Second

	// DefaultKeepaliveTimeout is how long a connection waits without hearing
	// from its peer before it is considered lost.
	DefaultKeepaliveTimeout = 5 * time.Second
)

// framePing keeps a NATS connection alive. It is never returned by Recv.
const framePing byte = 0x02

// ErrNoNATSConn is returned by NewNATSSwarm without a connection.
var ErrNoNATSConn = errors.New("transport: nats connection required")

// NATSConfig configures a NATSSwarm.
type NATSConfig struct {
	// Conn is the broker connection. Required. The swarm installs its own
	// disconnect, reconnect and closed handlers on it.
	Conn *nats.Conn

	// SubjectPrefix namespaces all subjects.
	// Default: DefaultSubjectPrefix
	SubjectPrefix string

	// RequestTimeout bounds one rendezvous request.
	// Default: DefaultRequestTimeout
	RequestTimeout time.Duration

	// KeepaliveInterval is how often an open connection pings its peer.
	// Default: DefaultKeepaliveInterval
	KeepaliveInterval time.Duration

	// KeepaliveTimeout is how long Recv waits without any frame from the
	// peer before it reports ErrConnectionLost. It must exceed
	// KeepaliveInterval; otherwise it is set to three intervals.
	// Default: DefaultKeepaliveTimeout
	KeepaliveTimeout time.Duration

	// LoggerFactory is the factory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// NATSSwarm meets peers through a NATS broker. A listener subscribes to
// "<prefix>.<topic>.connect"; Connect sends a request there naming its own
// inbox subject and gets the listener's inbox back. Each connection is then
// a pair of subjects, one per direction.
type NATSSwarm struct {
	nc       *nats.Conn
	config   NATSConfig
	log      logging.LeveledLogger
	notifier *notifier

	mu        sync.Mutex
	listeners map[Topic]*natsListener
	conns     map[*natsConn]struct{}
	closed    bool
}

// NewNATSSwarm creates a swarm on an established NATS connection.
func NewNATSSwarm(config NATSConfig) (*NATSSwarm, error) {
	if config.Conn == nil {
		return nil, ErrNoNATSConn
	}
	if config.SubjectPrefix == "" {
		config.SubjectPrefix = DefaultSubjectPrefix
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = DefaultRequestTimeout
	}
	if config.KeepaliveInterval <= 0 {
		config.KeepaliveInterval = DefaultKeepaliveInterval
	}
	if config.KeepaliveTimeout <= 0 {
		config.KeepaliveTimeout = DefaultKeepaliveTimeout
	}
	if config.KeepaliveTimeout <= config.KeepaliveInterval {
		config.KeepaliveTimeout = 3 * config.KeepaliveInterval
	}

	initial := ConnectivityOffline
	if config.Conn.IsConnected() {
		initial = ConnectivityOnline
	}

	s := &NATSSwarm{
		nc:        config.Conn,
		config:    config,
		notifier:  newNotifier(initial),
		listeners: make(map[Topic]*natsListener),
		conns:     make(map[*natsConn]struct{}),
	}
	if config.LoggerFactory != nil {
		s.log = config.LoggerFactory.NewLogger("transport-nats")
	}

	s.nc.SetDisconnectErrHandler(func(_ *nats.Conn, err error) {
		if s.log != nil {
			s.log.Warnf("disconnected from broker: %v", err)
		}
		s.notifier.set(ConnectivityOffline)
	})
	s.nc.SetReconnectHandler(func(nc *nats.Conn) {
		if s.log != nil {
			s.log.Infof("reconnected to %s", nc.ConnectedUrlRedacted())
		}
		s.notifier.set(ConnectivityOnline)
	})
	s.nc.SetClosedHandler(func(*nats.Conn) {
		s.notifier.set(ConnectivityOffline)
	})

	return s, nil
}

func (s *NATSSwarm) connectSubject(topic Topic) string {
	return s.config.SubjectPrefix + "." + topic.String() + ".connect"
}

func (s *NATSSwarm) inboxSubject(side string) string {
	return s.config.SubjectPrefix + ".conn." + uuid.NewString() + "." + side
}

// Listen implements Swarm.
func (s *NATSSwarm) Listen(ctx context.Context, topic Topic) (Listener, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !s.nc.IsConnected() {
		return nil, ErrOffline
	}

	l := &natsListener{
		swarm:    s,
		topic:    topic,
		acceptCh: make(chan *natsConn, acceptBacklog),
		done:     make(chan struct{}),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	if _, ok := s.listeners[topic]; ok {
		s.mu.Unlock()
		return nil, ErrTopicInUse
	}
	s.listeners[topic] = l
	s.mu.Unlock()

	sub, err := s.nc.Subscribe(s.connectSubject(topic), l.handleConnect)
	if err == nil {
		// Make sure the broker knows the subscription before anyone dials.
		err = s.nc.Flush()
	}
	if err != nil {
		s.mu.Lock()
		delete(s.listeners, topic)
		s.mu.Unlock()
		if sub != nil {
			sub.Unsubscribe()
		}
		return nil, fmt.Errorf("transport: nats listen: %w", err)
	}
	l.sub = sub

	if s.log != nil {
		s.log.Infof("listening on %s", s.connectSubject(topic))
	}
	return l, nil
}

// Connect implements Swarm.
func (s *NATSSwarm) Connect(ctx context.Context, topic Topic) (Conn, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}
	if !s.nc.IsConnected() {
		return nil, ErrOffline
	}

	c, err := s.newConn(s.inboxSubject("g"))
	if err != nil {
		return nil, err
	}

	reqCtx, cancel := context.WithTimeout(ctx, s.config.RequestTimeout)
	defer cancel()
	reply, err := s.nc.RequestWithContext(reqCtx, s.connectSubject(topic), []byte(c.local))
	if err != nil {
		c.abort()
		switch {
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case errors.Is(err, nats.ErrNoResponders),
			errors.Is(err, nats.ErrTimeout),
			errors.Is(err, context.DeadlineExceeded):
			return nil, ErrNoPeers
		default:
			return nil, fmt.Errorf("transport: nats connect: %w", err)
		}
	}

	peer := string(reply.Data)
	if !strings.HasPrefix(peer, s.config.SubjectPrefix+".conn.") {
		c.abort()
		return nil, fmt.Errorf("transport: nats connect: bad reply %q", peer)
	}
	c.peer = peer
	go c.keepalive()

	if s.log != nil {
		s.log.Debugf("connected on %s via %s", topic.Short(), peer)
	}
	return c, nil
}

// Connectivity implements Swarm.
func (s *NATSSwarm) Connectivity() ConnectivityState {
	return s.notifier.get()
}

// Subscribe implements Swarm.
func (s *NATSSwarm) Subscribe(fn func(ConnectivityState)) func() {
	return s.notifier.subscribe(fn)
}

// Close implements Swarm. The NATS connection itself is left open.
func (s *NATSSwarm) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	listeners := make([]*natsListener, 0, len(s.listeners))
	for _, l := range s.listeners {
		listeners = append(listeners, l)
	}
	conns := make([]*natsConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, l := range listeners {
		l.Close()
	}
	for _, c := range conns {
		c.Close()
	}
	return nil
}

func (s *NATSSwarm) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// newConn subscribes to the local inbox and tracks the connection.
func (s *NATSSwarm) newConn(local string) (*natsConn, error) {
	sub, err := s.nc.SubscribeSync(local)
	if err != nil {
		return nil, fmt.Errorf("transport: nats subscribe: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &natsConn{
		swarm:  s,
		sub:    sub,
		local:  local,
		ctx:    ctx,
		cancel: cancel,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		cancel()
		sub.Unsubscribe()
		return nil, ErrClosed
	}
	s.conns[c] = struct{}{}
	return c, nil
}

func (s *NATSSwarm) untrack(c *natsConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, c)
}

type natsListener struct {
	swarm    *NATSSwarm
	topic    Topic
	sub      *nats.Subscription
	acceptCh chan *natsConn
	done     chan struct{}

	mu     sync.Mutex
	closed bool
}

// handleConnect answers a rendezvous request with a fresh inbox.
func (l *natsListener) handleConnect(msg *nats.Msg) {
	peer := string(msg.Data)
	if !strings.HasPrefix(peer, l.swarm.config.SubjectPrefix+".conn.") {
		return
	}

	c, err := l.swarm.newConn(l.swarm.inboxSubject("h"))
	if err != nil {
		return
	}
	c.peer = peer

	l.mu.Lock()
	offered := false
	if !l.closed {
		select {
		case l.acceptCh <- c:
			offered = true
		default:
		}
	}
	l.mu.Unlock()

	if !offered {
		c.abort()
		return
	}
	if err := msg.Respond([]byte(c.local)); err != nil && l.swarm.log != nil {
		l.swarm.log.Warnf("rendezvous reply failed: %v", err)
	}
	go c.keepalive()
}

func (l *natsListener) Accept(ctx context.Context) (Conn, error) {
	select {
	case c := <-l.acceptCh:
		return c, nil
	case <-l.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *natsListener) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	close(l.done)
	l.mu.Unlock()

	if l.sub != nil {
		l.sub.Unsubscribe()
	}
	l.swarm.mu.Lock()
	if l.swarm.listeners[l.topic] == l {
		delete(l.swarm.listeners, l.topic)
	}
	l.swarm.mu.Unlock()

	for {
		select {
		case c := <-l.acceptCh:
			c.Close()
		default:
			return nil
		}
	}
}

func (l *natsListener) Topic() Topic { return l.topic }

// NATSAddr is the inbox subject of a NATS connection peer.
type NATSAddr string

// Network returns "nats".
func (a NATSAddr) Network() string { return "nats" }

// String returns the subject.
func (a NATSAddr) String() string { return string(a) }

// natsConn is one end of a subject pair.
type natsConn struct {
	swarm  *NATSSwarm
	sub    *nats.Subscription
	local  string
	peer   string
	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	state connState
}

func (c *natsConn) getState() connState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *natsConn) Send(msg []byte) error {
	if len(msg) > MaxMessageSize {
		return ErrMessageTooLarge
	}
	if st := c.getState(); st != connOpen {
		if st == connLost {
			return ErrConnectionLost
		}
		return ErrClosed
	}

	frame := make([]byte, 1+len(msg))
	frame[0] = frameData
	copy(frame[1:], msg)
	if err := c.swarm.nc.Publish(c.peer, frame); err != nil {
		return fmt.Errorf("%w: %v", ErrConnectionLost, err)
	}
	return nil
}

func (c *natsConn) Recv() ([]byte, error) {
	for {
		switch c.getState() {
		case connClosed:
			return nil, ErrClosed
		case connRemoteClosed:
			return nil, io.EOF
		case connLost:
			return nil, ErrConnectionLost
		}

		ctx, cancel := context.WithTimeout(c.ctx, c.swarm.config.KeepaliveTimeout)
		msg, err := c.sub.NextMsgWithContext(ctx)
		cancel()
		if err != nil {
			if c.getState() == connClosed {
				return nil, ErrClosed
			}
			c.abort()
			if errors.Is(err, context.DeadlineExceeded) {
				if c.swarm.log != nil {
					c.swarm.log.Debugf("peer %s silent for %s", c.peer, c.swarm.config.KeepaliveTimeout)
				}
				return nil, fmt.Errorf("%w: peer silent", ErrConnectionLost)
			}
			return nil, fmt.Errorf("%w: %v", ErrConnectionLost, err)
		}
		if len(msg.Data) == 0 {
			continue
		}

		switch msg.Data[0] {
		case framePing:
			continue
		case frameClose:
			c.mu.Lock()
			if c.state == connOpen {
				c.state = connRemoteClosed
			}
			c.mu.Unlock()
			c.release()
			return nil, io.EOF
		case frameData:
			return msg.Data[1:], nil
		}
	}
}

func (c *natsConn) Close() error {
	c.mu.Lock()
	prev := c.state
	if prev == connClosed {
		c.mu.Unlock()
		return nil
	}
	c.state = connClosed
	c.mu.Unlock()

	if prev == connOpen && c.peer != "" {
		_ = c.swarm.nc.Publish(c.peer, []byte{frameClose})
	}
	c.release()
	return nil
}

// keepalive pings the peer until the connection is released. Publish
// errors are ignored; the peer notices the silence.
func (c *natsConn) keepalive() {
	ticker := time.NewTicker(c.swarm.config.KeepaliveInterval)
	defer ticker.Stop()

	ping := []byte{framePing}
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if c.getState() != connOpen {
				return
			}
			_ = c.swarm.nc.Publish(c.peer, ping)
		}
	}
}

// abort drops the connection without notifying the peer.
func (c *natsConn) abort() {
	c.mu.Lock()
	if c.state == connOpen {
		c.state = connLost
	}
	c.mu.Unlock()
	c.release()
}

func (c *natsConn) release() {
	c.cancel()
	_ = c.sub.Unsubscribe()
	c.swarm.untrack(c)
}

func (c *natsConn) RemoteAddr() net.Addr { return NATSAddr(c.peer) }

// Verify interface compliance.
var (
	_ Swarm    = (*NATSSwarm)(nil)
	_ Listener = (*natsListener)(nil)
	_ Conn     = (*natsConn)(nil)
)
