package discovery

import (
	"context"
	"net"
	"testing"
	"time"
)

func newMockResolver(t *testing.T) (*Resolver, *MockMDNSResolver) {
	t.Helper()
	mock := NewMockMDNSResolver()
	r, err := NewResolver(ResolverConfig{
		MDNSResolver:  mock,
		BrowseTimeout: 100 * time.Millisecond,
		LookupTimeout: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewResolver() error = %v", err)
	}
	return r, mock
}

func TestResolver_Browse(t *testing.T) {
	r, mock := newMockResolver(t)
	mock.RegisterService(MockCoAPService("a", 5683, net.IPv4(192, 168, 1, 10), TXT{ResourceType: "temp"}))
	mock.RegisterService(MockCoAPService("b", 15683, net.ParseIP("fe80::1"), TXT{}))

	results, err := r.Browse(context.Background())
	if err != nil {
		t.Fatalf("Browse() error = %v", err)
	}

	found := make(map[string]ResolvedService)
	for svc := range results {
		found[svc.InstanceName] = svc
	}
	if len(found) != 2 {
		t.Fatalf("found %d services, want 2", len(found))
	}

	a := found["a"]
	if a.TXT.ResourceType != "temp" {
		t.Errorf("a rt = %q, want temp", a.TXT.ResourceType)
	}
	if addr := a.Addr(); addr == nil || !addr.IP.Equal(net.IPv4(192, 168, 1, 10)) || addr.Port != 5683 {
		t.Errorf("a addr = %v", addr)
	}
	if found["b"].Port != 15683 {
		t.Errorf("b port = %d, want 15683", found["b"].Port)
	}
}

func TestResolver_Lookup(t *testing.T) {
	r, mock := newMockResolver(t)
	mock.RegisterService(MockCoAPService("target", 5683, net.IPv4(10, 0, 0, 2), TXT{Interface: "sensor"}))

	svc, err := r.Lookup(context.Background(), "target")
	if err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	if svc.InstanceName != "target" || svc.TXT.Interface != "sensor" {
		t.Errorf("Lookup() = %+v", svc)
	}

	if svc, err := r.Lookup(context.Background(), "missing"); err == nil || svc != nil {
		t.Errorf("Lookup(missing) = %v, %v; want error", svc, err)
	}
}

func TestIPPreference(t *testing.T) {
	ips := []net.IP{
		net.ParseIP("::1"),
		net.ParseIP("fe80::1"),
		net.ParseIP("2001:db8::1"),
		net.IPv4(192, 168, 0, 1),
	}
	svc := toResolvedService(MockCoAPService("x", 0, ips[0], TXT{}))
	if svc.Port != 5683 {
		t.Errorf("missing port should default to 5683, got %d", svc.Port)
	}

	want := []int{3, 2, 1, 0}
	for i, ip := range ips {
		if got := ipPreference(ip); got != want[i] {
			t.Errorf("ipPreference(%v) = %d, want %d", ip, got, want[i])
		}
	}
}
