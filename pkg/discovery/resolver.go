package discovery

import (
	"context"
	"errors"
	"net"
	"sort"
	"time"

	"github.com/backkem/coap/pkg/transport"
	"github.com/grandcat/zeroconf"
)

// DefaultBrowseTimeout is the default timeout for browse operations.
const DefaultBrowseTimeout = 10 * time.Second

// DefaultLookupTimeout is the default timeout for lookup operations.
const DefaultLookupTimeout = 5 * time.Second

// ResolvedService is a discovered CoAP endpoint.
type ResolvedService struct {
	// InstanceName is the DNS-SD instance name.
	InstanceName string

	// HostName is the target host name.
	HostName string

	// Port is the service port.
	Port int

	// IPs contains the resolved IP addresses, sorted by preference.
	IPs []net.IP

	// TXT is the parsed TXT record.
	TXT TXT
}

// Addr returns the UDP address of the most preferred IP, or nil when the
// service resolved to no address.
func (r *ResolvedService) Addr() *net.UDPAddr {
	if len(r.IPs) == 0 {
		return nil
	}
	return &net.UDPAddr{IP: r.IPs[0], Port: r.Port}
}

// MDNSResolver is the interface for mDNS service resolution.
// This allows for dependency injection in tests. Like zeroconf, both methods
// return once the query is running and close entries when ctx ends.
type MDNSResolver interface {
	// Browse browses for services of the given type.
	Browse(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

	// Lookup looks up a specific service instance.
	Lookup(ctx context.Context, instance, service, domain string, entries chan<- *zeroconf.ServiceEntry) error
}

// zeroconfResolver is the production implementation using grandcat/zeroconf.
type zeroconfResolver struct {
	resolver *zeroconf.Resolver
}

func newZeroconfResolver() (*zeroconfResolver, error) {
	r, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, err
	}
	return &zeroconfResolver{resolver: r}, nil
}

func (z *zeroconfResolver) Browse(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
	return z.resolver.Browse(ctx, service, domain, entries)
}

func (z *zeroconfResolver) Lookup(ctx context.Context, instance, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
	return z.resolver.Lookup(ctx, instance, service, domain, entries)
}

// ResolverConfig holds configuration for the Resolver.
type ResolverConfig struct {
	// MDNSResolver is the underlying mDNS resolver implementation.
	// If nil, the default zeroconf resolver is used.
	MDNSResolver MDNSResolver

	// BrowseTimeout is the timeout for browse operations.
	// If zero, DefaultBrowseTimeout is used.
	BrowseTimeout time.Duration

	// LookupTimeout is the timeout for lookup operations.
	// If zero, DefaultLookupTimeout is used.
	LookupTimeout time.Duration
}

// Resolver discovers CoAP endpoints via DNS-SD.
type Resolver struct {
	config   ResolverConfig
	resolver MDNSResolver
}

// NewResolver creates a new Resolver with the given configuration.
func NewResolver(config ResolverConfig) (*Resolver, error) {
	resolver := config.MDNSResolver
	if resolver == nil {
		zr, err := newZeroconfResolver()
		if err != nil {
			return nil, err
		}
		resolver = zr
	}

	if config.BrowseTimeout == 0 {
		config.BrowseTimeout = DefaultBrowseTimeout
	}
	if config.LookupTimeout == 0 {
		config.LookupTimeout = DefaultLookupTimeout
	}

	return &Resolver{
		config:   config,
		resolver: resolver,
	}, nil
}

// Browse discovers CoAP endpoints. The returned channel is closed when ctx
// ends or the browse timeout expires.
func (r *Resolver) Browse(ctx context.Context) (<-chan ResolvedService, error) {
	cancel := context.CancelFunc(func() {})
	if _, ok := ctx.Deadline(); !ok {
		ctx, cancel = context.WithTimeout(ctx, r.config.BrowseTimeout)
	}

	entries := make(chan *zeroconf.ServiceEntry)
	if err := r.resolver.Browse(ctx, ServiceCoAP, DefaultDomain, entries); err != nil {
		cancel()
		return nil, err
	}

	results := make(chan ResolvedService)
	go func() {
		defer cancel()
		defer close(results)
		for entry := range entries {
			select {
			case results <- toResolvedService(entry):
			case <-ctx.Done():
				for range entries {
				}
				return
			}
		}
	}()

	return results, nil
}

// Lookup resolves one instance by name.
func (r *Resolver) Lookup(ctx context.Context, instance string) (*ResolvedService, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.config.LookupTimeout)
		defer cancel()
	}

	entries := make(chan *zeroconf.ServiceEntry, 1)
	if err := r.resolver.Lookup(ctx, instance, ServiceCoAP, DefaultDomain, entries); err != nil {
		return nil, err
	}

	select {
	case entry, ok := <-entries:
		if !ok || entry == nil {
			return nil, ErrServiceNotFound
		}
		svc := toResolvedService(entry)
		return &svc, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		return nil, ctx.Err()
	}
}

// toResolvedService converts a zeroconf.ServiceEntry to ResolvedService.
func toResolvedService(entry *zeroconf.ServiceEntry) ResolvedService {
	ips := make([]net.IP, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	ips = append(ips, entry.AddrIPv4...)
	ips = append(ips, entry.AddrIPv6...)
	sort.SliceStable(ips, func(i, j int) bool {
		return ipPreference(ips[i]) < ipPreference(ips[j])
	})

	port := entry.Port
	if port == 0 {
		port = transport.DefaultPort
	}

	return ResolvedService{
		InstanceName: entry.Instance,
		HostName:     entry.HostName,
		Port:         port,
		IPs:          ips,
		TXT:          ParseTXT(entry.Text),
	}
}

// ipPreference ranks addresses for unicast CoAP (lower is better):
// routable IPv4 and IPv6 first, then link-local, loopback last.
func ipPreference(ip net.IP) int {
	switch {
	case ip == nil || ip.To16() == nil:
		return 9
	case ip.IsLoopback():
		return 3
	case ip.IsLinkLocalUnicast():
		return 2
	case ip.To4() != nil:
		return 0
	default:
		return 1
	}
}
