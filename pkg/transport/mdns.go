package transport

import (
	"context"
	"net"
	"sync"

	"github.com/grandcat/zeroconf"
)

// MDNSServer is a running DNS-SD registration.
type MDNSServer interface {
	// Shutdown withdraws the registration.
	Shutdown()
}

// MDNSServerFactory registers DNS-SD services.
// This allows for dependency injection in tests.
type MDNSServerFactory interface {
	Register(instance, service, domain string, port int, txt []string, ifaces []net.Interface) (MDNSServer, error)
}

// MDNSResolver browses DNS-SD services. Browse may return before all
// entries are delivered; the caller stops reading when ctx ends.
type MDNSResolver interface {
	Browse(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error
}

// zeroconfServerFactory is the production implementation using grandcat/zeroconf.
type zeroconfServerFactory struct{}

func (zeroconfServerFactory) Register(instance, service, domain string, port int, txt []string, ifaces []net.Interface) (MDNSServer, error) {
	return zeroconf.Register(instance, service, domain, port, txt, ifaces)
}

// zeroconfResolver is the production implementation using grandcat/zeroconf.
type zeroconfResolver struct {
	ifaces []net.Interface
}

func (z zeroconfResolver) Browse(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
	var opts []zeroconf.ClientOption
	if len(z.ifaces) > 0 {
		opts = append(opts, zeroconf.SelectIfaces(z.ifaces))
	}
	r, err := zeroconf.NewResolver(opts...)
	if err != nil {
		return err
	}
	return r.Browse(ctx, service, domain, entries)
}

// MockMDNS is an in-process DNS-SD registry for tests. It implements both
// MDNSServerFactory and MDNSResolver; registrations are visible to Browse
// until shut down, and advertise the loopback address.
type MockMDNS struct {
	mu      sync.RWMutex
	entries map[*mockRegistration]*zeroconf.ServiceEntry
}

// NewMockMDNS creates an empty mock registry.
func NewMockMDNS() *MockMDNS {
	return &MockMDNS{entries: make(map[*mockRegistration]*zeroconf.ServiceEntry)}
}

type mockRegistration struct {
	m *MockMDNS
}

func (r *mockRegistration) Shutdown() {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	delete(r.m.entries, r)
}

// Register implements MDNSServerFactory.
func (m *MockMDNS) Register(instance, service, domain string, port int, txt []string, _ []net.Interface) (MDNSServer, error) {
	entry := zeroconf.NewServiceEntry(instance, service, domain)
	entry.HostName = instance + ".local."
	entry.Port = port
	entry.Text = append([]string(nil), txt...)
	entry.AddrIPv4 = []net.IP{net.IPv4(127, 0, 0, 1)}

	reg := &mockRegistration{m: m}
	m.mu.Lock()
	m.entries[reg] = entry
	m.mu.Unlock()
	return reg, nil
}

// Browse implements MDNSResolver.
func (m *MockMDNS) Browse(ctx context.Context, service, _ string, entries chan<- *zeroconf.ServiceEntry) error {
	m.mu.RLock()
	var found []*zeroconf.ServiceEntry
	for _, e := range m.entries {
		if e.Service == service {
			found = append(found, e)
		}
	}
	m.mu.RUnlock()

	go func() {
		for _, e := range found {
			select {
			case entries <- e:
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

// Len returns the number of live registrations.
func (m *MockMDNS) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
