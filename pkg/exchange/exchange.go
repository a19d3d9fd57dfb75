package exchange

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/backkem/coap/pkg/message"
)

// Exchange holds the protocol state of one request/response conversation.
//
// The request and response under negotiation are replaced as new messages
// are sent or received. The transmission counter, current timeout and
// retransmission handle always describe the message currently being
// retransmitted, if any.
//
// An Exchange has at most one live retransmission task. Arming stores the
// new handle; the previous one has either fired already or was cancelled
// explicitly by the caller.
type Exchange struct {
	origin Origin
	peer   net.Addr

	mu                sync.Mutex
	request           *message.Request
	response          *message.Response
	transmissionCount uint32
	currentTimeout    time.Duration
	retransmission    *Handle
	replay            Replay
	continued         bool
	timedOut          bool
	onTimeout         []func(*Exchange)

	doneOnce sync.Once
	done     chan struct{}
}

// New creates an exchange with a peer.
func New(origin Origin, peer net.Addr) *Exchange {
	return &Exchange{
		origin: origin,
		peer:   peer,
		done:   make(chan struct{}),
	}
}

// Origin returns which side initiated the exchange.
func (e *Exchange) Origin() Origin {
	return e.origin
}

// IsFromLocal reports whether this endpoint sent the first request.
func (e *Exchange) IsFromLocal() bool {
	return e.origin == OriginLocal
}

// Peer returns the remote endpoint of the exchange.
func (e *Exchange) Peer() net.Addr {
	return e.peer
}

// CurrentRequest returns the request under negotiation.
func (e *Exchange) CurrentRequest() *message.Request {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.request
}

// SetCurrentRequest replaces the request under negotiation.
func (e *Exchange) SetCurrentRequest(req *message.Request) {
	e.mu.Lock()
	e.request = req
	e.mu.Unlock()
}

// CurrentResponse returns the last response sent or received.
func (e *Exchange) CurrentResponse() *message.Response {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.response
}

// SetCurrentResponse replaces the current response.
func (e *Exchange) SetCurrentResponse(resp *message.Response) {
	e.mu.Lock()
	e.response = resp
	e.mu.Unlock()
}

// TransmissionCount returns how many times the current message was sent.
func (e *Exchange) TransmissionCount() uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.transmissionCount
}

// SetTransmissionCount overrides the transmission counter.
func (e *Exchange) SetTransmissionCount(n uint32) {
	e.mu.Lock()
	e.transmissionCount = n
	e.mu.Unlock()
}

// CurrentTimeout returns the timeout of the most recent scheduling decision.
func (e *Exchange) CurrentTimeout() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.currentTimeout
}

// ResetTransmission marks the start of a new logical message.
func (e *Exchange) ResetTransmission() {
	e.mu.Lock()
	e.transmissionCount = 0
	e.continued = false
	e.mu.Unlock()
}

// ResetTransmissionUnlessContinued resets the counter unless the message
// being sent was marked as a continuation of the previous one. The mark is
// consumed either way.
func (e *Exchange) ResetTransmissionUnlessContinued() {
	e.mu.Lock()
	if !e.continued {
		e.transmissionCount = 0
	}
	e.continued = false
	e.mu.Unlock()
}

// ContinueTransmission makes the next sent response inherit the counter
// and timeout of the current one, so both share one retry budget.
func (e *Exchange) ContinueTransmission() {
	e.mu.Lock()
	e.continued = true
	e.mu.Unlock()
}

// PrepareTransmission makes the scheduling decision for the next send of
// the current message: a random initial timeout when the counter is zero,
// the scaled previous timeout otherwise. The timeout is stored, the counter
// incremented, and both are returned.
func (e *Exchange) PrepareTransmission(b *Backoff) (time.Duration, uint32) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.transmissionCount == 0 {
		e.currentTimeout = b.Initial()
	} else {
		e.currentTimeout = b.Next(e.currentTimeout)
	}
	e.transmissionCount++
	return e.currentTimeout, e.transmissionCount
}

// Arm schedules the retransmission task for the current message and
// stores its handle. The exchange lock is held while scheduling, so the
// task cannot be dispatched before it is recorded as current.
func (e *Exchange) Arm(s *Scheduler, timeout time.Duration, replay Replay, target Dispatcher) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	h, err := s.Schedule(timeout, Task{Exchange: e, Replay: replay, Target: target})
	if err != nil {
		return err
	}
	e.retransmission = h
	e.replay = replay
	return nil
}

// PendingReplay returns the replay action of the armed task, or
// ReplayNone.
func (e *Exchange) PendingReplay() Replay {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.retransmission == nil {
		return ReplayNone
	}
	return e.replay
}

// IsCurrentTask reports whether id is the retransmission task the exchange
// currently owns. A fired timer whose task was replaced or cancelled is
// stale and must do nothing.
func (e *Exchange) IsCurrentTask(id TaskID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.retransmission != nil && e.retransmission.ID() == id
}

// CancelRetransmission cancels the pending retransmission task, if any.
// It reports whether a task was pending.
func (e *Exchange) CancelRetransmission() bool {
	e.mu.Lock()
	h := e.retransmission
	e.retransmission = nil
	e.replay = ReplayNone
	e.mu.Unlock()

	if h == nil {
		return false
	}
	return h.Cancel()
}

// HasPendingRetransmission reports whether a retransmission task is armed.
func (e *Exchange) HasPendingRetransmission() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.retransmission != nil && e.retransmission.Pending()
}

// SetTimedOut marks the retry budget as exhausted. Only the first call has
// an effect; it runs the OnTimeout observers and completes the exchange.
// It reports whether this call made the transition.
func (e *Exchange) SetTimedOut() bool {
	e.mu.Lock()
	if e.timedOut {
		e.mu.Unlock()
		return false
	}
	e.timedOut = true
	e.retransmission = nil
	e.replay = ReplayNone
	observers := e.onTimeout
	e.onTimeout = nil
	e.mu.Unlock()

	for _, fn := range observers {
		fn(e)
	}
	e.Complete()
	return true
}

// IsTimedOut reports whether the retry budget was exhausted.
func (e *Exchange) IsTimedOut() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.timedOut
}

// OnTimeout registers fn to run once when the exchange times out. If the
// exchange already timed out, fn runs immediately.
func (e *Exchange) OnTimeout(fn func(*Exchange)) {
	e.mu.Lock()
	if !e.timedOut {
		e.onTimeout = append(e.onTimeout, fn)
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()
	fn(e)
}

// Complete marks the exchange finished and wakes Done waiters. It does not
// cancel a pending retransmission.
func (e *Exchange) Complete() {
	e.doneOnce.Do(func() { close(e.done) })
}

// Done returns a channel closed when the exchange completes or times out.
func (e *Exchange) Done() <-chan struct{} {
	return e.done
}

// IsComplete reports whether Complete was called.
func (e *Exchange) IsComplete() bool {
	select {
	case <-e.done:
		return true
	default:
		return false
	}
}

// String returns a compact description for logs.
func (e *Exchange) String() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return fmt.Sprintf("Exchange[%s peer=%v count=%d timeout=%v]", e.origin, e.peer, e.transmissionCount, e.currentTimeout)
}
