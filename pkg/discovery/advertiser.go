// Package discovery announces and finds CoAP endpoints on the local link
// with DNS-SD over mDNS (service type _coap._udp).
package discovery

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"sync"

	"github.com/backkem/coap/pkg/transport"
	"github.com/grandcat/zeroconf"
	"github.com/pion/logging"
)

// DNS-SD names.
const (
	// ServiceCoAP is the DNS-SD service type of CoAP over UDP.
	ServiceCoAP = "_coap._udp"

	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
)

// MDNSServer is the interface for mDNS service registration.
// This allows for dependency injection in tests.
type MDNSServer interface {
	// Shutdown stops the server.
	Shutdown()
}

// MDNSServerFactory creates MDNSServer instances.
type MDNSServerFactory interface {
	// Register creates a new mDNS server for the given service.
	Register(instance, service, domain string, port int, txt []string, ifaces []net.Interface) (MDNSServer, error)
}

// zeroconfServerFactory is the production implementation using grandcat/zeroconf.
type zeroconfServerFactory struct{}

func (z *zeroconfServerFactory) Register(instance, service, domain string, port int, txt []string, ifaces []net.Interface) (MDNSServer, error) {
	return zeroconf.Register(instance, service, domain, port, txt, ifaces)
}

// AdvertiserConfig holds configuration for the Advertiser.
type AdvertiserConfig struct {
	// Port is the CoAP port to advertise (default: 5683).
	Port int

	// Interfaces specifies which network interfaces to advertise on.
	// If nil, all interfaces are used.
	Interfaces []net.Interface

	// ServerFactory is the factory for creating mDNS servers.
	// If nil, the default zeroconf factory is used.
	ServerFactory MDNSServerFactory

	// LoggerFactory for creating loggers.
	LoggerFactory logging.LoggerFactory
}

// Advertiser publishes one endpoint as a _coap._udp service.
type Advertiser struct {
	config  AdvertiserConfig
	factory MDNSServerFactory
	log     logging.LeveledLogger

	mu       sync.RWMutex
	server   MDNSServer
	instance string
	closed   bool
}

// NewAdvertiser creates a new Advertiser with the given configuration.
func NewAdvertiser(config AdvertiserConfig) *Advertiser {
	if config.Port <= 0 || config.Port > 65535 {
		config.Port = transport.DefaultPort
	}

	factory := config.ServerFactory
	if factory == nil {
		factory = &zeroconfServerFactory{}
	}

	a := &Advertiser{
		config:  config,
		factory: factory,
	}
	if config.LoggerFactory != nil {
		a.log = config.LoggerFactory.NewLogger("discovery")
	}
	return a
}

// Start begins advertising. An empty instance name is replaced by a random
// one.
func (a *Advertiser) Start(instance string, txt TXT) error {
	if err := txt.Validate(); err != nil {
		return fmt.Errorf("advertiser: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return ErrClosed
	}
	if a.server != nil {
		return ErrAlreadyStarted
	}

	if instance == "" {
		var err error
		if instance, err = randomInstanceName(); err != nil {
			return fmt.Errorf("advertiser: failed to generate instance name: %w", err)
		}
	}

	records := txt.Encode()
	if a.log != nil {
		a.log.Debugf("registering %s.%s%s port=%d txt=%v", instance, ServiceCoAP, DefaultDomain, a.config.Port, records)
	}

	server, err := a.factory.Register(instance, ServiceCoAP, DefaultDomain, a.config.Port, records, a.config.Interfaces)
	if err != nil {
		return fmt.Errorf("advertiser: mDNS registration failed for %s: %w", instance, err)
	}

	if a.log != nil {
		a.log.Infof("advertising %s on port %d", instance, a.config.Port)
	}
	a.server = server
	a.instance = instance
	return nil
}

// Stop withdraws the advertisement.
func (a *Advertiser) Stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return ErrClosed
	}
	if a.server == nil {
		return ErrNotStarted
	}

	a.server.Shutdown()
	a.server = nil
	a.instance = ""
	return nil
}

// Close stops advertising and closes the advertiser.
func (a *Advertiser) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return ErrClosed
	}
	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}
	a.closed = true
	return nil
}

// IsAdvertising returns true while the service is advertised.
func (a *Advertiser) IsAdvertising() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.server != nil
}

// InstanceName returns the advertised instance name, or "" when stopped.
func (a *Advertiser) InstanceName() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.instance
}

// randomInstanceName returns 16 uppercase hex characters.
func randomInstanceName() (string, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", err
	}
	return fmt.Sprintf("%016X", binary.BigEndian.Uint64(buf[:])), nil
}

// AdvertiserWithContext wraps an Advertiser that closes when ctx ends.
type AdvertiserWithContext struct {
	*Advertiser
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// NewAdvertiserWithContext creates an Advertiser that is closed when ctx
// is cancelled.
func NewAdvertiserWithContext(ctx context.Context, config AdvertiserConfig) *AdvertiserWithContext {
	ctx, cancel := context.WithCancel(ctx)
	a := &AdvertiserWithContext{
		Advertiser: NewAdvertiser(config),
		cancel:     cancel,
		done:       make(chan struct{}),
	}

	go func() {
		<-ctx.Done()
		a.err = a.Advertiser.Close()
		close(a.done)
	}()

	return a
}

// Close cancels the context and waits for the advertiser to close.
func (a *AdvertiserWithContext) Close() error {
	a.cancel()
	<-a.done
	return a.err
}
