package transport

import (
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/pion/transport/v3/test"
	"go.uber.org/multierr"
)

// NetworkCondition configures network behavior simulation.
// Use this to exercise retransmission and duplicate handling under loss.
type NetworkCondition struct {
	// DropRate is the probability of dropping a packet (0.0 - 1.0).
	DropRate float64

	// DelayMin is the minimum delay to add to each packet.
	DelayMin time.Duration

	// DelayMax is the maximum delay to add to each packet.
	// Actual delay is uniformly distributed between DelayMin and DelayMax.
	DelayMax time.Duration

	// DuplicateRate is the probability of duplicating a packet (0.0 - 1.0).
	DuplicateRate float64
}

// PipeConfig configures a Pipe.
type PipeConfig struct {
	// AutoProcess enables automatic packet delivery in a background goroutine.
	AutoProcess bool

	// ProcessInterval is how often the auto-processor delivers packets.
	// Default: 1ms
	ProcessInterval time.Duration
}

// DefaultPipeConfig returns the default pipe configuration.
func DefaultPipeConfig() PipeConfig {
	return PipeConfig{
		AutoProcess:     true,
		ProcessInterval: 1 * time.Millisecond,
	}
}

// Pipe provides bidirectional in-memory datagram delivery between two
// endpoints. It wraps pion's test.Bridge and adds loss, delay and
// duplication simulation.
//
// With AutoProcess disabled, packets only move on Tick or Process, which
// makes packet orderings deterministic.
type Pipe struct {
	bridge *test.Bridge

	mu              sync.RWMutex
	condition       NetworkCondition
	closed          bool
	rngMu           sync.Mutex
	rng             *rand.Rand
	autoProcess     bool
	processInterval time.Duration
	stopCh          chan struct{}
	wg              sync.WaitGroup
}

// NewPipe creates a new bidirectional pipe with auto-processing enabled.
func NewPipe() *Pipe {
	return NewPipeWithConfig(DefaultPipeConfig())
}

// NewPipeWithConfig creates a new pipe with the given configuration.
func NewPipeWithConfig(config PipeConfig) *Pipe {
	p := &Pipe{
		bridge:          test.NewBridge(),
		rng:             rand.New(rand.NewSource(time.Now().UnixNano())),
		autoProcess:     config.AutoProcess,
		processInterval: config.ProcessInterval,
		stopCh:          make(chan struct{}),
	}
	if p.processInterval == 0 {
		p.processInterval = 1 * time.Millisecond
	}
	if p.autoProcess {
		p.startAutoProcess()
	}
	return p
}

func (p *Pipe) startAutoProcess() {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.processInterval)
		defer ticker.Stop()

		for {
			select {
			case <-p.stopCh:
				return
			case <-ticker.C:
				p.bridge.Tick()
			}
		}
	}()
}

// SetAutoProcess enables or disables automatic packet delivery.
// When disabled, call Tick or Process to move packets.
func (p *Pipe) SetAutoProcess(enabled bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed || p.autoProcess == enabled {
		return
	}
	p.autoProcess = enabled

	if enabled {
		p.stopCh = make(chan struct{})
		p.startAutoProcess()
	} else {
		close(p.stopCh)
		p.wg.Wait()
	}
}

// SetCondition configures network condition simulation in both directions.
func (p *Pipe) SetCondition(cond NetworkCondition) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.condition = cond
}

// Condition returns the current network condition configuration.
func (p *Pipe) Condition() NetworkCondition {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.condition
}

// roll returns a uniform value in [0.0, 1.0).
func (p *Pipe) roll() float64 {
	p.rngMu.Lock()
	defer p.rngMu.Unlock()
	return p.rng.Float64()
}

// DropNext discards the next n datagrams written by endpoint id (0 or 1).
// Unlike DropRate this is exact, which suits tests that need a specific
// transmission to be lost.
func (p *Pipe) DropNext(id, n int) {
	p.bridge.DropNextNWrites(id, n)
}

// Tick delivers one packet in each direction (if available).
// Returns the number of packets delivered (0, 1, or 2).
func (p *Pipe) Tick() int {
	return p.bridge.Tick()
}

// Process delivers all queued packets and returns how many were delivered.
func (p *Pipe) Process() int {
	count := 0
	for {
		n := p.Tick()
		if n == 0 {
			return count
		}
		count += n
	}
}

// PacketConn returns endpoint id of the pipe as a net.PacketConn whose
// local address uses the given port. The peer is always the other endpoint.
func (p *Pipe) PacketConn(id, port int) *PipePacketConn {
	conn := p.bridge.GetConn0()
	if id == 1 {
		conn = p.bridge.GetConn1()
	}
	return &PipePacketConn{
		conn:     conn,
		local:    PipeAddr{ID: id, Port: port},
		peerAddr: PipeAddr{ID: 1 - id, Port: port},
		pipe:     p,
	}
}

// Close stops auto-processing and closes both endpoints.
func (p *Pipe) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	if p.autoProcess {
		close(p.stopCh)
	}
	p.mu.Unlock()

	p.wg.Wait()

	return multierr.Combine(
		p.bridge.GetConn0().Close(),
		p.bridge.GetConn1().Close(),
	)
}

// NewPipePair creates a pipe and returns both of its endpoints as packet
// conns on DefaultPort.
func NewPipePair(config PipeConfig) (*Pipe, *PipePacketConn, *PipePacketConn) {
	p := NewPipeWithConfig(config)
	return p, p.PacketConn(0, DefaultPort), p.PacketConn(1, DefaultPort)
}

// PipeAddr implements net.Addr for pipe endpoints.
type PipeAddr struct {
	ID   int // Endpoint ID (0 or 1)
	Port int // Logical port number
}

// Network returns "pipe".
func (a PipeAddr) Network() string { return "pipe" }

// String returns a string representation of the address.
func (a PipeAddr) String() string { return fmt.Sprintf("pipe:%d:%d", a.ID, a.Port) }

// PipePacketConn adapts one side of a Pipe to net.PacketConn so it can back
// a UDP transport.
type PipePacketConn struct {
	conn     net.Conn
	local    PipeAddr
	peerAddr net.Addr
	pipe     *Pipe
}

// ReadFrom reads a packet from the pipe. The returned address is always the peer.
func (c *PipePacketConn) ReadFrom(b []byte) (n int, addr net.Addr, err error) {
	n, err = c.conn.Read(b)
	return n, c.peerAddr, err
}

// WriteTo writes a packet to the pipe, applying the configured network
// condition. addr is ignored since the pipe has only one peer.
func (c *PipePacketConn) WriteTo(b []byte, addr net.Addr) (n int, err error) {
	cond := c.pipe.Condition()
	p := c.pipe

	if cond.DropRate > 0 && p.roll() < cond.DropRate {
		return len(b), nil
	}

	if cond.DelayMax > 0 {
		delay := cond.DelayMin
		if cond.DelayMax > cond.DelayMin {
			delay += time.Duration(p.roll() * float64(cond.DelayMax-cond.DelayMin))
		}
		if delay > 0 {
			time.Sleep(delay)
		}
	}

	if cond.DuplicateRate > 0 && p.roll() < cond.DuplicateRate {
		if _, err := c.conn.Write(b); err != nil {
			return 0, err
		}
	}

	return c.conn.Write(b)
}

// Close closes this side of the pipe.
func (c *PipePacketConn) Close() error {
	return c.conn.Close()
}

// LocalAddr returns the local address.
func (c *PipePacketConn) LocalAddr() net.Addr {
	return c.local
}

// PeerAddr returns the address of the other endpoint.
func (c *PipePacketConn) PeerAddr() net.Addr {
	return c.peerAddr
}

// SetDeadline sets the read and write deadlines.
func (c *PipePacketConn) SetDeadline(t time.Time) error {
	return c.conn.SetDeadline(t)
}

// SetReadDeadline sets the read deadline.
func (c *PipePacketConn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

// SetWriteDeadline sets the write deadline.
func (c *PipePacketConn) SetWriteDeadline(t time.Time) error {
	return c.conn.SetWriteDeadline(t)
}

var _ net.PacketConn = (*PipePacketConn)(nil)
