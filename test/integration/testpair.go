// Package integration provides test infrastructure for CoAP end-to-end tests.
package integration

import (
	"net"
	"testing"
	"time"

	"github.com/backkem/coap/examples/sensor"
	"github.com/backkem/coap/pkg/endpoint"
	"github.com/backkem/coap/pkg/exchange"
	"github.com/backkem/coap/pkg/transport"
	"github.com/pion/logging"
	"github.com/prometheus/client_golang/prometheus"
)

// TestPair holds a client endpoint and a sensor server connected over an
// in-memory pipe or loopback UDP.
//
// Example usage:
//
//	pair := NewPipePair(t, DefaultTestPairConfig())
//	resp, err := pair.Client.Do(ctx, pair.Get(sensor.Path))
type TestPair struct {
	// Client sends requests.
	Client *endpoint.Endpoint

	// Server serves Sensor.
	Server *endpoint.Endpoint

	// Sensor is the resource behind Server.
	Sensor *sensor.Sensor

	// ServerAddr is where the client sends to.
	ServerAddr net.Addr

	// Pipe is the in-memory link, nil for UDP pairs.
	Pipe *transport.Pipe

	// Registry collects the metrics of both endpoints.
	Registry *prometheus.Registry

	// Unreachable receives the peer of every notification timeout.
	Unreachable chan net.Addr
}

// TestPairConfig configures the test pair creation.
type TestPairConfig struct {
	// Exchange holds the transmission parameters of both endpoints.
	Exchange exchange.Config

	// Condition is applied to the pipe.
	Condition transport.NetworkCondition

	// LoggerFactory for logging. If nil, a warn-level default is used.
	LoggerFactory logging.LoggerFactory
}

// DefaultTestPairConfig returns short timers and a clean link.
func DefaultTestPairConfig() TestPairConfig {
	config := exchange.DefaultConfig()
	config.AckTimeout = 20 * time.Millisecond
	return TestPairConfig{Exchange: config}
}

func (c TestPairConfig) loggerFactory() logging.LoggerFactory {
	if c.LoggerFactory != nil {
		return c.LoggerFactory
	}
	lf := logging.NewDefaultLoggerFactory()
	lf.DefaultLogLevel = logging.LogLevelWarn
	return lf
}

// NewPipePair connects the endpoints over a pipe with config.Condition.
func NewPipePair(t *testing.T, config TestPairConfig) *TestPair {
	t.Helper()

	pipe := transport.NewPipe()
	pipe.SetCondition(config.Condition)
	clientConn := pipe.PacketConn(0, transport.DefaultPort)
	serverConn := pipe.PacketConn(1, transport.DefaultPort)

	p := newPair(t, config, clientConn, serverConn)
	p.Pipe = pipe
	p.ServerAddr = clientConn.PeerAddr()
	t.Cleanup(func() { _ = pipe.Close() })
	return p
}

// NewUDPPair connects the endpoints over loopback UDP sockets.
func NewUDPPair(t *testing.T, config TestPairConfig) *TestPair {
	t.Helper()

	listen := func() net.PacketConn {
		conn, err := net.ListenPacket("udp", "127.0.0.1:0")
		if err != nil {
			t.Fatalf("ListenPacket() error = %v", err)
		}
		return conn
	}
	serverConn := listen()
	p := newPair(t, config, listen(), serverConn)
	p.ServerAddr = serverConn.LocalAddr()
	return p
}

func newPair(t *testing.T, config TestPairConfig, clientConn, serverConn net.PacketConn) *TestPair {
	t.Helper()

	p := &TestPair{
		Sensor:      sensor.New(20.0),
		Registry:    prometheus.NewRegistry(),
		Unreachable: make(chan net.Addr, 4),
	}
	lf := config.loggerFactory()

	var err error
	p.Server, err = endpoint.New(endpoint.Config{
		Conn:          serverConn,
		Exchange:      config.Exchange,
		Handler:       p.Sensor,
		Registerer:    p.Registry,
		LoggerFactory: lf,
		OnNotificationTimeout: func(peer net.Addr) {
			select {
			case p.Unreachable <- peer:
			default:
			}
		},
	})
	if err != nil {
		t.Fatalf("server endpoint: %v", err)
	}
	p.Client, err = endpoint.New(endpoint.Config{
		Conn:          clientConn,
		Exchange:      config.Exchange,
		Registerer:    p.Registry,
		LoggerFactory: lf,
	})
	if err != nil {
		t.Fatalf("client endpoint: %v", err)
	}

	for _, e := range []*endpoint.Endpoint{p.Server, p.Client} {
		if err := e.Start(); err != nil {
			t.Fatalf("Start() error = %v", err)
		}
	}
	t.Cleanup(func() {
		_ = p.Client.Stop()
		_ = p.Server.Stop()
	})
	return p
}
