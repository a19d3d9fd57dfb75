package transport

import (
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/backkem/coap/pkg/message"
	"github.com/pion/logging"
)

// DefaultPort is the default CoAP port (RFC 7252 Section 6.1).
const DefaultPort = 5683

// readBufferSize leaves room for datagrams slightly above the recommended
// message size; anything larger is truncated by the socket anyway.
const readBufferSize = 1500

// UDP is a datagram transport for CoAP messages.
// It wraps a net.PacketConn and runs a read loop that calls the configured
// MessageHandler for each received datagram.
type UDP struct {
	conn    net.PacketConn
	handler MessageHandler
	closeCh chan struct{}
	wg      sync.WaitGroup
	log     logging.LeveledLogger

	mu      sync.RWMutex
	started bool
	closed  bool
}

// UDPConfig configures the UDP transport.
type UDPConfig struct {
	// Conn is an optional pre-existing PacketConn to use, such as one side
	// of a Pipe. If nil, a new socket is opened on ListenAddr.
	Conn net.PacketConn

	// ListenAddr is the address to listen on, e.g. ":5683" or
	// "127.0.0.1:0". Required when Conn is nil.
	ListenAddr string

	// MessageHandler is called for each received datagram.
	// Required.
	MessageHandler MessageHandler

	// LoggerFactory is the factory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// NewUDP creates a new UDP transport with the given configuration.
func NewUDP(config UDPConfig) (*UDP, error) {
	if config.MessageHandler == nil {
		return nil, ErrNoHandler
	}

	u := &UDP{
		conn:    config.Conn,
		handler: config.MessageHandler,
		closeCh: make(chan struct{}),
	}

	if config.LoggerFactory != nil {
		u.log = config.LoggerFactory.NewLogger("transport-udp")
	}

	if u.conn == nil {
		if config.ListenAddr == "" {
			return nil, ErrNoConn
		}
		conn, err := net.ListenPacket("udp", config.ListenAddr)
		if err != nil {
			return nil, err
		}
		u.conn = conn
	}

	return u, nil
}

// Start begins the read loop.
func (u *UDP) Start() error {
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return ErrClosed
	}
	if u.started {
		u.mu.Unlock()
		return ErrAlreadyStarted
	}
	u.started = true
	u.mu.Unlock()

	if u.log != nil {
		u.log.Infof("listening on %s", u.conn.LocalAddr())
	}

	u.wg.Add(1)
	go u.readLoop()

	return nil
}

// Stop closes the connection and waits for the read loop to exit.
func (u *UDP) Stop() error {
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return ErrClosed
	}
	u.closed = true
	u.mu.Unlock()

	close(u.closeCh)

	_ = u.conn.SetReadDeadline(time.Now())
	err := u.conn.Close()
	u.wg.Wait()

	return err
}

// Send writes one datagram to addr.
func (u *UDP) Send(data []byte, addr net.Addr) error {
	u.mu.RLock()
	closed := u.closed
	u.mu.RUnlock()
	if closed {
		return ErrClosed
	}

	if addr == nil {
		return ErrInvalidAddress
	}
	if len(data) > message.MaxMessageSize {
		return ErrMessageTooLarge
	}

	if u.log != nil {
		u.log.Tracef("sending %d bytes to %v", len(data), addr)
	}

	if _, err := u.conn.WriteTo(data, addr); err != nil {
		if u.log != nil {
			u.log.Warnf("send to %v failed: %v", addr, err)
		}
		return err
	}
	return nil
}

// LocalAddr returns the local address the transport is bound to.
func (u *UDP) LocalAddr() net.Addr {
	return u.conn.LocalAddr()
}

func (u *UDP) readLoop() {
	defer u.wg.Done()

	buf := make([]byte, readBufferSize)

	for {
		n, addr, err := u.conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-u.closeCh:
				return
			default:
			}
			if isClosed(err) {
				return
			}
			if u.log != nil {
				u.log.Warnf("read error: %v", err)
			}
			continue
		}
		if n == 0 {
			continue
		}

		data := make([]byte, n)
		copy(data, buf[:n])

		if u.log != nil {
			u.log.Tracef("received %d bytes from %v", n, addr)
		}

		u.handler(&ReceivedMessage{Data: data, Peer: addr})
	}
}

// isClosed reports whether err means the underlying conn is gone for good.
// Pipe conns report io.EOF where sockets report net.ErrClosed.
func isClosed(err error) bool {
	return errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF)
}
