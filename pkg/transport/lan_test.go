package transport

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"
)

func newTestLANSwarm(mdns *MockMDNS) *LANSwarm {
	return NewLANSwarm(LANConfig{
		ListenHost:    "127.0.0.1",
		ServerFactory: mdns,
		Resolver:      mdns,
		BrowseTimeout: 100 * time.Millisecond,
	})
}

func TestLAN_ConnectSendRecv(t *testing.T) {
	mdns := NewMockMDNS()
	host := newTestLANSwarm(mdns)
	guest := newTestLANSwarm(mdns)
	defer host.Close()
	defer guest.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	l, err := host.Listen(ctx, testTopic(7))
	if err != nil {
		t.Fatalf("Listen() error: %v", err)
	}
	if mdns.Len() != 1 {
		t.Fatalf("registrations = %d, want 1", mdns.Len())
	}

	accepted := make(chan Conn, 1)
	go func() {
		c, err := l.Accept(ctx)
		if err == nil {
			accepted <- c
		}
	}()

	dialer, err := guest.Connect(ctx, testTopic(7))
	if err != nil {
		t.Fatalf("Connect() error: %v", err)
	}

	var acceptor Conn
	select {
	case acceptor = <-accepted:
	case <-ctx.Done():
		t.Fatal("Accept() timed out")
	}

	if err := dialer.Send([]byte("ping")); err != nil {
		t.Fatal(err)
	}
	msg, err := recvTimeout(t, acceptor, time.Second)
	if err != nil || string(msg) != "ping" {
		t.Fatalf("Recv() = %q, %v", msg, err)
	}

	acceptor.Send([]byte("pong"))
	acceptor.Close()
	msg, err = recvTimeout(t, dialer, time.Second)
	if err != nil || string(msg) != "pong" {
		t.Fatalf("Recv() = %q, %v", msg, err)
	}
	if _, err := recvTimeout(t, dialer, time.Second); err != io.EOF {
		t.Errorf("Recv() after close error = %v, want io.EOF", err)
	}
}

func TestLAN_NoPeers(t *testing.T) {
	mdns := NewMockMDNS()
	host := newTestLANSwarm(mdns)
	guest := newTestLANSwarm(mdns)
	defer host.Close()
	defer guest.Close()

	// A listener on another topic does not match.
	if _, err := host.Listen(context.Background(), testTopic(1)); err != nil {
		t.Fatal(err)
	}
	if _, err := guest.Connect(context.Background(), testTopic(2)); !errors.Is(err, ErrNoPeers) {
		t.Errorf("Connect() error = %v, want ErrNoPeers", err)
	}
}

func TestLAN_ListenerCloseWithdraws(t *testing.T) {
	mdns := NewMockMDNS()
	host := newTestLANSwarm(mdns)
	defer host.Close()

	l, err := host.Listen(context.Background(), testTopic(3))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := host.Listen(context.Background(), testTopic(3)); !errors.Is(err, ErrTopicInUse) {
		t.Errorf("second Listen() error = %v, want ErrTopicInUse", err)
	}

	l.Close()
	if mdns.Len() != 0 {
		t.Errorf("registrations after Close = %d, want 0", mdns.Len())
	}
	if _, err := l.Accept(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Accept() after Close error = %v, want ErrClosed", err)
	}
}

func TestLAN_Closed(t *testing.T) {
	s := newTestLANSwarm(NewMockMDNS())
	s.Close()

	if _, err := s.Listen(context.Background(), testTopic(1)); !errors.Is(err, ErrClosed) {
		t.Errorf("Listen() error = %v", err)
	}
	if _, err := s.Connect(context.Background(), testTopic(1)); !errors.Is(err, ErrClosed) {
		t.Errorf("Connect() error = %v", err)
	}
	if s.Connectivity() != ConnectivityOffline {
		t.Errorf("Connectivity() = %v, want OFFLINE", s.Connectivity())
	}
}

func TestParseTXT(t *testing.T) {
	m := parseTXT([]string{"t=abc", "flag", "k=v=w"})
	if m["t"] != "abc" || m["k"] != "v=w" {
		t.Errorf("parseTXT() = %v", m)
	}
	if _, ok := m["flag"]; !ok {
		t.Error("bare key missing")
	}
}
