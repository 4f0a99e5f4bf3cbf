package transport

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/logging"
	"github.com/pion/transport/v3/test"
)

// Memory swarm defaults.
const (
	// DefaultProcessInterval is how often a link pumps queued packets.
	DefaultProcessInterval = time.Millisecond

	// DefaultCloseLinger is how long a link keeps delivering after one end
	// closed, so the peer can drain what was sent before the close.
	DefaultCloseLinger = 2 * time.Second

	// acceptBacklog is the number of connections a memory listener queues.
	acceptBacklog = 16
)

// Packet kinds on a memory link. Every bridge packet starts with one.
const (
	frameData  byte = 0x00
	frameClose byte = 0x01
)

// NetworkCondition configures network behavior simulation on a MemoryNetwork.
type NetworkCondition struct {
	// DropRate is the probability of silently dropping a message (0.0 - 1.0).
	DropRate float64

	// DelayMin is the minimum delay added to each message.
	DelayMin time.Duration

	// DelayMax is the maximum delay added to each message.
	// Actual delay is uniformly distributed between DelayMin and DelayMax.
	DelayMax time.Duration
}

// MemoryNetworkConfig configures a MemoryNetwork.
type MemoryNetworkConfig struct {
	// ProcessInterval is how often links deliver queued packets.
	// Default: DefaultProcessInterval
	ProcessInterval time.Duration

	// CloseLinger bounds how long a half-closed link keeps running.
	// Default: DefaultCloseLinger
	CloseLinger time.Duration

	// LoggerFactory is the factory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// MemoryNetwork is an in-process network shared by MemorySwarms. Each
// connection runs over its own pion test.Bridge, pumped in the background.
//
// Use it for deterministic tests without real network I/O, or to pair two
// components living in the same process.
type MemoryNetwork struct {
	config MemoryNetworkConfig
	log    logging.LeveledLogger

	nextID atomic.Uint64

	mu        sync.RWMutex
	listeners map[Topic]*memoryListener
	condition NetworkCondition
}

// NewMemoryNetwork creates an empty in-memory network.
func NewMemoryNetwork(config MemoryNetworkConfig) *MemoryNetwork {
	if config.ProcessInterval <= 0 {
		config.ProcessInterval = DefaultProcessInterval
	}
	if config.CloseLinger <= 0 {
		config.CloseLinger = DefaultCloseLinger
	}

	n := &MemoryNetwork{
		config:    config,
		listeners: make(map[Topic]*memoryListener),
	}
	if config.LoggerFactory != nil {
		n.log = config.LoggerFactory.NewLogger("transport-memory")
	}
	return n
}

// SetCondition configures network condition simulation for all messages.
func (n *MemoryNetwork) SetCondition(cond NetworkCondition) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.condition = cond
}

// Condition returns the current network condition configuration.
func (n *MemoryNetwork) Condition() NetworkCondition {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.condition
}

// NewSwarm attaches a new, online peer to the network.
func (n *MemoryNetwork) NewSwarm(name string) *MemorySwarm {
	return &MemorySwarm{
		network:   n,
		name:      name,
		log:       n.log,
		notifier:  newNotifier(ConnectivityOnline),
		listeners: make(map[*memoryListener]struct{}),
		conns:     make(map[*memoryConn]struct{}),
	}
}

func (n *MemoryNetwork) register(l *memoryListener) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.listeners[l.topic]; ok {
		return ErrTopicInUse
	}
	n.listeners[l.topic] = l
	return nil
}

func (n *MemoryNetwork) unregister(l *memoryListener) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.listeners[l.topic] == l {
		delete(n.listeners, l.topic)
	}
}

func (n *MemoryNetwork) lookup(topic Topic) *memoryListener {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.listeners[topic]
}

// MemoryAddr identifies one end of a memory connection.
type MemoryAddr struct {
	Swarm string
	ID    uint64
}

// Network returns "memory".
func (a MemoryAddr) Network() string { return "memory" }

// String returns a string representation of the address.
func (a MemoryAddr) String() string { return fmt.Sprintf("memory:%s:%d", a.Swarm, a.ID) }

// MemorySwarm is one peer on a MemoryNetwork.
type MemorySwarm struct {
	network  *MemoryNetwork
	name     string
	log      logging.LeveledLogger
	notifier *notifier

	mu        sync.Mutex
	listeners map[*memoryListener]struct{}
	conns     map[*memoryConn]struct{}
	closed    bool
}

// Name returns the peer name given to NewSwarm.
func (s *MemorySwarm) Name() string { return s.name }

// Listen implements Swarm.
func (s *MemorySwarm) Listen(ctx context.Context, topic Topic) (Listener, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.Connectivity() == ConnectivityOffline {
		return nil, ErrOffline
	}

	l := &memoryListener{
		swarm:    s,
		topic:    topic,
		acceptCh: make(chan *memoryConn, acceptBacklog),
		done:     make(chan struct{}),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if err := s.network.register(l); err != nil {
		return nil, err
	}
	s.listeners[l] = struct{}{}

	if s.log != nil {
		s.log.Debugf("%s: listening on %s", s.name, topic.Short())
	}
	return l, nil
}

// Connect implements Swarm.
func (s *MemorySwarm) Connect(ctx context.Context, topic Topic) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.isClosed() {
		return nil, ErrClosed
	}
	if s.Connectivity() == ConnectivityOffline {
		return nil, ErrOffline
	}

	l := s.network.lookup(topic)
	if l == nil || l.swarm.Connectivity() == ConnectivityOffline {
		return nil, ErrNoPeers
	}

	link := newMemoryLink(s.network)
	dialer := newMemoryConn(s, link, 0)
	acceptor := newMemoryConn(l.swarm, link, 1)
	dialer.remote = acceptor.local
	acceptor.remote = dialer.local

	if !s.track(dialer) {
		link.stop()
		return nil, ErrClosed
	}
	if !l.swarm.track(acceptor) || !l.offer(acceptor) {
		s.untrack(dialer)
		l.swarm.untrack(acceptor)
		link.stop()
		return nil, ErrNoPeers
	}

	if s.log != nil {
		s.log.Debugf("%s: connected to %s on %s", s.name, l.swarm.name, topic.Short())
	}
	return dialer, nil
}

// Connectivity implements Swarm.
func (s *MemorySwarm) Connectivity() ConnectivityState {
	return s.notifier.get()
}

// Subscribe implements Swarm.
func (s *MemorySwarm) Subscribe(fn func(ConnectivityState)) func() {
	return s.notifier.subscribe(fn)
}

// SetConnectivity simulates the peer going offline or back online. Going
// offline drops every open connection of this peer without an orderly
// close, and makes its listeners unreachable until it is online again.
func (s *MemorySwarm) SetConnectivity(state ConnectivityState) {
	if !s.notifier.set(state) {
		return
	}
	if s.log != nil {
		s.log.Infof("%s: connectivity %s", s.name, state)
	}
	if state != ConnectivityOffline {
		return
	}

	s.mu.Lock()
	conns := make([]*memoryConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.link.abort()
	}
}

// Close implements Swarm.
func (s *MemorySwarm) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	listeners := make([]*memoryListener, 0, len(s.listeners))
	for l := range s.listeners {
		listeners = append(listeners, l)
	}
	conns := make([]*memoryConn, 0, len(s.conns))
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

func (s *MemorySwarm) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *MemorySwarm) track(c *memoryConn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c] = struct{}{}
	return true
}

func (s *MemorySwarm) untrack(c *memoryConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, c)
}

// memoryListener queues incoming connections for one topic.
type memoryListener struct {
	swarm    *MemorySwarm
	topic    Topic
	acceptCh chan *memoryConn
	done     chan struct{}

	mu     sync.Mutex
	closed bool
}

// offer hands a connection to Accept. It fails when the listener is closed
// or its backlog is full.
func (l *memoryListener) offer(c *memoryConn) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}
	select {
	case l.acceptCh <- c:
		return true
	default:
		return false
	}
}

func (l *memoryListener) Accept(ctx context.Context) (Conn, error) {
	select {
	case c := <-l.acceptCh:
		return c, nil
	case <-l.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *memoryListener) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	close(l.done)
	l.mu.Unlock()

	l.swarm.network.unregister(l)
	l.swarm.mu.Lock()
	delete(l.swarm.listeners, l)
	l.swarm.mu.Unlock()

	// Connections that were never accepted are dropped.
	for {
		select {
		case c := <-l.acceptCh:
			c.link.abort()
		default:
			return nil
		}
	}
}

func (l *memoryListener) Topic() Topic { return l.topic }

// memoryLink is the bridge behind one connection and the goroutine pumping it.
type memoryLink struct {
	bridge  *test.Bridge
	network *MemoryNetwork
	ends    [2]*memoryConn
	stopCh  chan struct{}

	mu       sync.Mutex
	open     [2]bool
	stopped  bool
	lingerer *time.Timer
}

func newMemoryLink(network *MemoryNetwork) *memoryLink {
	l := &memoryLink{
		bridge:  test.NewBridge(),
		network: network,
		stopCh:  make(chan struct{}),
		open:    [2]bool{true, true},
	}
	go l.pump(network.config.ProcessInterval)
	return l
}

func (l *memoryLink) pump(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			for l.bridge.Tick() > 0 {
			}
		}
	}
}

// endClosed records that one end closed. The link stops once both ends
// closed, or after the linger period.
func (l *memoryLink) endClosed(id int) {
	l.mu.Lock()
	l.open[id] = false
	both := !l.open[0] && !l.open[1]
	if !both && l.lingerer == nil && !l.stopped {
		l.lingerer = time.AfterFunc(l.network.config.CloseLinger, l.stop)
	}
	l.mu.Unlock()

	if both {
		l.stop()
	}
}

// abort drops both ends without an orderly close.
func (l *memoryLink) abort() {
	for _, c := range l.ends {
		if c != nil {
			c.lose()
		}
	}
	l.stop()
}

func (l *memoryLink) stop() {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.stopped = true
	if l.lingerer != nil {
		l.lingerer.Stop()
	}
	close(l.stopCh)
	l.mu.Unlock()

	// Unblock readers still waiting on either end.
	for _, c := range l.ends {
		if c != nil {
			c.lose()
		}
	}
	_ = l.bridge.GetConn0().Close()
	_ = l.bridge.GetConn1().Close()
}

type connState int

const (
	connOpen connState = iota
	connClosed
	connRemoteClosed
	connLost
)

// memoryConn is one end of a memory link.
type memoryConn struct {
	swarm  *MemorySwarm
	link   *memoryLink
	id     int
	conn   net.Conn
	local  MemoryAddr
	remote MemoryAddr

	readMu  sync.Mutex
	readBuf []byte

	mu    sync.Mutex
	state connState
}

func newMemoryConn(s *MemorySwarm, link *memoryLink, id int) *memoryConn {
	c := &memoryConn{
		swarm:   s,
		link:    link,
		id:      id,
		local:   MemoryAddr{Swarm: s.name, ID: s.network.nextID.Add(1)},
		readBuf: make([]byte, MaxMessageSize+1),
	}
	if id == 0 {
		c.conn = link.bridge.GetConn0()
	} else {
		c.conn = link.bridge.GetConn1()
	}
	link.ends[id] = c
	return c
}

func (c *memoryConn) getState() connState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *memoryConn) stateErr(st connState) error {
	switch st {
	case connRemoteClosed:
		return io.EOF
	case connLost:
		return ErrConnectionLost
	default:
		return ErrClosed
	}
}

func (c *memoryConn) Send(msg []byte) error {
	if len(msg) > MaxMessageSize {
		return ErrMessageTooLarge
	}
	if st := c.getState(); st != connOpen {
		if st == connLost {
			return ErrConnectionLost
		}
		return ErrClosed
	}

	cond := c.swarm.network.Condition()
	if cond.DropRate > 0 && rand.Float64() < cond.DropRate {
		return nil
	}
	if cond.DelayMax > 0 {
		delay := cond.DelayMin
		if cond.DelayMax > cond.DelayMin {
			delay += time.Duration(rand.Int63n(int64(cond.DelayMax - cond.DelayMin)))
		}
		if delay > 0 {
			time.Sleep(delay)
		}
	}

	frame := make([]byte, 1+len(msg))
	frame[0] = frameData
	copy(frame[1:], msg)
	if _, err := c.conn.Write(frame); err != nil {
		return ErrConnectionLost
	}
	return nil
}

func (c *memoryConn) Recv() ([]byte, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	for {
		if st := c.getState(); st != connOpen {
			return nil, c.stateErr(st)
		}

		n, err := c.conn.Read(c.readBuf)
		if err != nil {
			if st := c.getState(); st != connOpen {
				return nil, c.stateErr(st)
			}
			c.lose()
			return nil, ErrConnectionLost
		}
		if n == 0 {
			continue
		}

		switch c.readBuf[0] {
		case frameClose:
			c.mu.Lock()
			if c.state == connOpen {
				c.state = connRemoteClosed
			}
			c.mu.Unlock()
			c.link.endClosed(c.id)
			c.swarm.untrack(c)
			return nil, io.EOF
		case frameData:
			msg := make([]byte, n-1)
			copy(msg, c.readBuf[1:n])
			return msg, nil
		}
	}
}

func (c *memoryConn) Close() error {
	c.mu.Lock()
	prev := c.state
	if prev == connClosed {
		c.mu.Unlock()
		return nil
	}
	c.state = connClosed
	c.mu.Unlock()

	if prev == connOpen {
		_, _ = c.conn.Write([]byte{frameClose})
		c.link.endClosed(c.id)
	}
	_ = c.conn.SetReadDeadline(time.Now())
	c.swarm.untrack(c)
	return nil
}

// lose marks the connection as dropped and wakes a blocked Recv.
func (c *memoryConn) lose() {
	c.mu.Lock()
	if c.state == connOpen {
		c.state = connLost
	}
	c.mu.Unlock()
	_ = c.conn.SetReadDeadline(time.Now())
	c.swarm.untrack(c)
}

func (c *memoryConn) RemoteAddr() net.Addr { return c.remote }

// Verify interface compliance.
var (
	_ Swarm    = (*MemorySwarm)(nil)
	_ Listener = (*memoryListener)(nil)
	_ Conn     = (*memoryConn)(nil)
)
