package discovery

import (
	"context"
	"net"
	"sync"

	"github.com/grandcat/zeroconf"
)

// MockMDNSResolver answers Browse and Lookup from registered entries
// without network I/O.
type MockMDNSResolver struct {
	mu      sync.RWMutex
	entries []*zeroconf.ServiceEntry
}

// NewMockMDNSResolver creates a new mock resolver.
func NewMockMDNSResolver() *MockMDNSResolver {
	return &MockMDNSResolver{}
}

// RegisterService adds an entry returned by Browse and Lookup.
func (m *MockMDNSResolver) RegisterService(entry *zeroconf.ServiceEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entry)
}

func (m *MockMDNSResolver) snapshot(service string) []*zeroconf.ServiceEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*zeroconf.ServiceEntry
	for _, e := range m.entries {
		if e.Service == service {
			out = append(out, e)
		}
	}
	return out
}

// Browse implements MDNSResolver.
func (m *MockMDNSResolver) Browse(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
	go m.serve(ctx, m.snapshot(service), entries)
	return nil
}

// Lookup implements MDNSResolver.
func (m *MockMDNSResolver) Lookup(ctx context.Context, instance, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
	var found []*zeroconf.ServiceEntry
	for _, entry := range m.snapshot(service) {
		if entry.Instance == instance {
			found = append(found, entry)
			break
		}
	}
	go m.serve(ctx, found, entries)
	return nil
}

// serve sends found and closes entries once ctx ends, as zeroconf does.
func (m *MockMDNSResolver) serve(ctx context.Context, found []*zeroconf.ServiceEntry, entries chan<- *zeroconf.ServiceEntry) {
	defer close(entries)
	for _, entry := range found {
		select {
		case entries <- entry:
		case <-ctx.Done():
			return
		}
	}
	<-ctx.Done()
}

// MockCoAPService creates a _coap._udp entry for testing.
func MockCoAPService(instance string, port int, ip net.IP, txt TXT) *zeroconf.ServiceEntry {
	entry := &zeroconf.ServiceEntry{
		ServiceRecord: zeroconf.ServiceRecord{
			Instance: instance,
			Service:  ServiceCoAP,
			Domain:   DefaultDomain,
		},
		HostName: instance + ".local.",
		Port:     port,
		Text:     txt.Encode(),
	}
	if ip.To4() != nil {
		entry.AddrIPv4 = []net.IP{ip}
	} else {
		entry.AddrIPv6 = []net.IP{ip}
	}
	return entry
}
