package endpoint

import (
	"net"

	"github.com/backkem/coap/pkg/exchange"
	"github.com/backkem/coap/pkg/stack"
	"github.com/benbjohnson/clock"
	"github.com/pion/logging"
	"github.com/prometheus/client_golang/prometheus"
)

// Config configures an Endpoint.
type Config struct {
	// Conn is an optional pre-existing PacketConn, such as one side of a
	// transport.Pipe. If nil, a UDP socket is opened on ListenAddr.
	Conn net.PacketConn

	// ListenAddr is the address to listen on (e.g., ":5683", or ":0" for
	// a client). Required when Conn is nil.
	ListenAddr string

	// Exchange holds the transmission parameters.
	// Default: exchange.DefaultConfig()
	Exchange exchange.Config

	// Handler serves inbound requests. If nil, every request is answered
	// with 4.04 Not Found.
	Handler Handler

	// Scheduler runs retransmission timers. Share one between endpoints
	// to use a single timer facility per process. If nil, the endpoint
	// creates its own on Clock and closes it on Stop.
	Scheduler *exchange.Scheduler

	// Clock drives the endpoint's own scheduler. Ignored if Scheduler is
	// set. Default: wall clock.
	Clock clock.Clock

	// Random drives the initial retransmission timeout. Default: math/rand.
	Random exchange.RandomSource

	// Interceptors see every message at the bottom of the stack.
	Interceptors []stack.Interceptor

	// OnNotificationTimeout is called, after the peer's relations were
	// cancelled, when a confirmable notification times out. Optional.
	OnNotificationTimeout func(peer net.Addr)

	// Registerer receives the reliability metrics. Optional.
	Registerer prometheus.Registerer

	// LoggerFactory is the factory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}
