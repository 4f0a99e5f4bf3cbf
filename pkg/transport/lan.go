package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/pion/logging"
)

// LAN swarm constants.
const (
	// LANService is the DNS-SD service type invitations are published under.
	LANService = "_invitation._tcp"

	// LANDomain is the DNS-SD domain.
	LANDomain = "local."

	// DefaultBrowseTimeout bounds one rendezvous attempt.
	DefaultBrowseTimeout = 2 * time.Second

	// DefaultDialTimeout bounds one TCP dial.
	DefaultDialTimeout = 5 * time.Second

	// txtTopicKey is the TXT record key carrying the hex topic.
	txtTopicKey = "t"
)

// LANConfig configures a LANSwarm.
type LANConfig struct {
	// ListenHost is the host listeners bind to (default: all interfaces).
	ListenHost string

	// Interfaces restricts DNS-SD to these interfaces. If nil, all are used.
	Interfaces []net.Interface

	// ServerFactory registers DNS-SD services.
	// If nil, the default zeroconf factory is used.
	ServerFactory MDNSServerFactory

	// Resolver browses DNS-SD services.
	// If nil, the default zeroconf resolver is used.
	Resolver MDNSResolver

	// BrowseTimeout bounds one rendezvous attempt.
	// Default: DefaultBrowseTimeout
	BrowseTimeout time.Duration

	// DialTimeout bounds one TCP dial.
	// Default: DefaultDialTimeout
	DialTimeout time.Duration

	// LoggerFactory is the factory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// LANSwarm meets peers on the local network: a listener is a TCP socket
// advertised over DNS-SD with the topic in its TXT record, and Connect
// browses for that record and dials it. Messages are framed with a 4-byte
// length prefix.
type LANSwarm struct {
	config   LANConfig
	factory  MDNSServerFactory
	resolver MDNSResolver
	log      logging.LeveledLogger
	notifier *notifier

	mu        sync.Mutex
	listeners map[*lanListener]struct{}
	conns     map[*streamConn]struct{}
	closed    bool
}

// NewLANSwarm creates a LAN swarm.
func NewLANSwarm(config LANConfig) *LANSwarm {
	if config.BrowseTimeout <= 0 {
		config.BrowseTimeout = DefaultBrowseTimeout
	}
	if config.DialTimeout <= 0 {
		config.DialTimeout = DefaultDialTimeout
	}

	s := &LANSwarm{
		config:    config,
		factory:   config.ServerFactory,
		resolver:  config.Resolver,
		notifier:  newNotifier(ConnectivityOnline),
		listeners: make(map[*lanListener]struct{}),
		conns:     make(map[*streamConn]struct{}),
	}
	if s.factory == nil {
		s.factory = zeroconfServerFactory{}
	}
	if s.resolver == nil {
		s.resolver = zeroconfResolver{ifaces: config.Interfaces}
	}
	if config.LoggerFactory != nil {
		s.log = config.LoggerFactory.NewLogger("transport-lan")
	}
	return s
}

// instanceName is the DNS-SD instance name for a topic.
func instanceName(topic Topic) string {
	return "invitation-" + topic.Short()
}

// Listen implements Swarm.
func (s *LANSwarm) Listen(ctx context.Context, topic Topic) (Listener, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	for l := range s.listeners {
		if l.topic == topic {
			s.mu.Unlock()
			return nil, ErrTopicInUse
		}
	}
	s.mu.Unlock()

	var lc net.ListenConfig
	tl, err := lc.Listen(ctx, "tcp", net.JoinHostPort(s.config.ListenHost, "0"))
	if err != nil {
		return nil, fmt.Errorf("transport: lan listen: %w", err)
	}
	port := tl.Addr().(*net.TCPAddr).Port

	txt := []string{txtTopicKey + "=" + topic.String()}
	server, err := s.factory.Register(instanceName(topic), LANService, LANDomain, port, txt, s.config.Interfaces)
	if err != nil {
		tl.Close()
		return nil, fmt.Errorf("transport: mDNS registration failed: %w", err)
	}

	l := &lanListener{swarm: s, topic: topic, listener: tl, server: server}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		server.Shutdown()
		tl.Close()
		return nil, ErrClosed
	}
	s.listeners[l] = struct{}{}
	s.mu.Unlock()

	if s.log != nil {
		s.log.Infof("listening for %s on port %d", topic.Short(), port)
	}
	return l, nil
}

// Connect implements Swarm.
func (s *LANSwarm) Connect(ctx context.Context, topic Topic) (Conn, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}

	addrs, err := s.resolve(ctx, topic)
	if err != nil {
		return nil, err
	}

	dialer := net.Dialer{Timeout: s.config.DialTimeout}
	var lastErr error
	for _, addr := range addrs {
		nc, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			lastErr = err
			if s.log != nil {
				s.log.Debugf("dial %s failed: %v", addr, err)
			}
			continue
		}
		c := newStreamConn(nc, s.untrack)
		if !s.track(c) {
			nc.Close()
			return nil, ErrClosed
		}
		if s.log != nil {
			s.log.Debugf("connected to %s for %s", addr, topic.Short())
		}
		return c, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if s.log != nil && lastErr != nil {
		s.log.Debugf("no reachable peer for %s: %v", topic.Short(), lastErr)
	}
	return nil, ErrNoPeers
}

// resolve browses for the topic and returns dialable addresses.
func (s *LANSwarm) resolve(ctx context.Context, topic Topic) ([]string, error) {
	browseCtx, cancel := context.WithTimeout(ctx, s.config.BrowseTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 8)
	if err := s.resolver.Browse(browseCtx, LANService, LANDomain, entries); err != nil {
		return nil, fmt.Errorf("transport: mDNS browse failed: %w", err)
	}

	want := topic.String()
	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				return nil, ErrNoPeers
			}
			if entry == nil || parseTXT(entry.Text)[txtTopicKey] != want {
				continue
			}
			var addrs []string
			port := strconv.Itoa(entry.Port)
			for _, ip := range entry.AddrIPv4 {
				addrs = append(addrs, net.JoinHostPort(ip.String(), port))
			}
			for _, ip := range entry.AddrIPv6 {
				addrs = append(addrs, net.JoinHostPort(ip.String(), port))
			}
			if len(addrs) > 0 {
				return addrs, nil
			}
		case <-browseCtx.Done():
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			return nil, ErrNoPeers
		}
	}
}

// parseTXT parses "key=value" TXT strings.
func parseTXT(txt []string) map[string]string {
	m := make(map[string]string, len(txt))
	for _, kv := range txt {
		k, v, _ := strings.Cut(kv, "=")
		m[k] = v
	}
	return m
}

// Connectivity implements Swarm. A LAN swarm is online until closed.
func (s *LANSwarm) Connectivity() ConnectivityState {
	return s.notifier.get()
}

// Subscribe implements Swarm.
func (s *LANSwarm) Subscribe(fn func(ConnectivityState)) func() {
	return s.notifier.subscribe(fn)
}

// Close implements Swarm.
func (s *LANSwarm) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	listeners := make([]*lanListener, 0, len(s.listeners))
	for l := range s.listeners {
		listeners = append(listeners, l)
	}
	conns := make([]*streamConn, 0, len(s.conns))
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
	s.notifier.set(ConnectivityOffline)
	return nil
}

func (s *LANSwarm) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *LANSwarm) track(c *streamConn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c] = struct{}{}
	return true
}

func (s *LANSwarm) untrack(c *streamConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, c)
}

// lanListener is a TCP listener plus its DNS-SD registration.
type lanListener struct {
	swarm    *LANSwarm
	topic    Topic
	listener net.Listener
	server   MDNSServer

	closeOnce sync.Once
}

func (l *lanListener) Accept(ctx context.Context) (Conn, error) {
	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		nc, err := l.listener.Accept()
		ch <- result{nc, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			if errors.Is(r.err, net.ErrClosed) {
				return nil, ErrClosed
			}
			return nil, r.err
		}
		c := newStreamConn(r.conn, l.swarm.untrack)
		if !l.swarm.track(c) {
			r.conn.Close()
			return nil, ErrClosed
		}
		return c, nil
	case <-ctx.Done():
		// Unblock the pending Accept; the listener is unusable afterwards.
		l.Close()
		if r := <-ch; r.conn != nil {
			r.conn.Close()
		}
		return nil, ctx.Err()
	}
}

func (l *lanListener) Close() error {
	l.closeOnce.Do(func() {
		l.server.Shutdown()
		l.listener.Close()
		l.swarm.mu.Lock()
		delete(l.swarm.listeners, l)
		l.swarm.mu.Unlock()
	})
	return nil
}

func (l *lanListener) Topic() Topic { return l.topic }

// streamConn adapts a net.Conn to Conn with length-prefixed framing.
type streamConn struct {
	conn    net.Conn
	reader  *streamReader
	writer  *streamWriter
	onClose func(*streamConn)

	writeMu sync.Mutex

	mu     sync.Mutex
	closed bool
}

func newStreamConn(nc net.Conn, onClose func(*streamConn)) *streamConn {
	return &streamConn{
		conn:    nc,
		reader:  newStreamReader(nc),
		writer:  newStreamWriter(nc),
		onClose: onClose,
	}
}

func (c *streamConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *streamConn) Send(msg []byte) error {
	if c.isClosed() {
		return ErrClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.writer.Write(msg); err != nil {
		if errors.Is(err, ErrMessageTooLarge) || errors.Is(err, ErrInvalidLengthPrefix) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrConnectionLost, err)
	}
	return nil
}

func (c *streamConn) Recv() ([]byte, error) {
	msg, err := c.reader.Read()
	if err == nil {
		return msg, nil
	}
	if c.isClosed() {
		return nil, ErrClosed
	}
	if errors.Is(err, io.EOF) {
		return nil, io.EOF
	}
	return nil, fmt.Errorf("%w: %v", ErrConnectionLost, err)
}

func (c *streamConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	err := c.conn.Close()
	if c.onClose != nil {
		c.onClose(c)
	}
	return err
}

func (c *streamConn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

// Verify interface compliance.
var (
	_ Swarm    = (*LANSwarm)(nil)
	_ Listener = (*lanListener)(nil)
	_ Conn     = (*streamConn)(nil)
)
