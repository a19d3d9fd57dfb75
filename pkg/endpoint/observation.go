package endpoint

import (
	"context"
	"sync"
	"time"

	"github.com/backkem/coap/pkg/exchange"
	"github.com/backkem/coap/pkg/message"
)

// notificationWindow is how long a sequence number stays comparable
// (RFC 7641 Section 3.4).
const notificationWindow = 128 * time.Second

// Observation is the client side of an observe relation.
type Observation struct {
	e  *Endpoint
	ex *exchange.Exchange
	fn func(*message.Response)

	mu     sync.Mutex
	seen   bool
	last   uint32
	lastAt time.Time
}

// Observe registers interest in req's resource. fn is called for the
// first response and every fresher notification after it, in arrival
// order, from the endpoint's receive goroutine. The observation ends when
// a response without Observe or with a non-2.xx code arrives, when the
// registration times out or is rejected, or on Cancel.
func (e *Endpoint) Observe(ctx context.Context, req *message.Request, fn func(*message.Response)) (*Observation, error) {
	req.Code = message.GET
	req.SetObserve()

	ex, err := e.prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	o := &Observation{e: e, ex: ex, fn: fn}

	e.mu.Lock()
	e.observations[ex] = o
	e.mu.Unlock()

	e.stack.SendRequest(ex, req)
	return o, nil
}

// Exchange returns the exchange carrying the observation.
func (o *Observation) Exchange() *exchange.Exchange {
	return o.ex
}

// Done is closed when the observation ends.
func (o *Observation) Done() <-chan struct{} {
	return o.ex.Done()
}

// Cancel forgets the observation. The next notification from the server
// is answered with RST, which ends the relation there.
func (o *Observation) Cancel() {
	if req := o.ex.CurrentRequest(); req != nil {
		req.Cancel()
	}
	o.ex.CancelRetransmission()
	o.e.finish(o.ex)
}

func (o *Observation) deliver(resp *message.Response, now time.Time) {
	if seq, ok := resp.Options.Observe(); ok {
		o.mu.Lock()
		if o.seen && !isFresher(o.last, seq, now.Sub(o.lastAt)) {
			o.mu.Unlock()
			if o.e.log != nil {
				o.e.log.Debugf("dropping stale notification %d after %d", seq, o.last)
			}
			return
		}
		o.seen = true
		o.last = seq
		o.lastAt = now
		o.mu.Unlock()
	}
	if o.fn != nil {
		o.fn(resp)
	}
}

// isFresher reports whether notification v2, received elapsed after v1,
// is newer than v1 in 24-bit serial number arithmetic.
func isFresher(v1, v2 uint32, elapsed time.Duration) bool {
	const half = 1 << 23
	return (v1 < v2 && v2-v1 < half) ||
		(v1 > v2 && v1-v2 > half) ||
		elapsed > notificationWindow
}
