package stack

import (
	"net"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/backkem/coap/pkg/exchange"
	"github.com/backkem/coap/pkg/message"
)

type fakeRelations struct {
	mu        sync.Mutex
	cancelled []*exchange.Exchange
}

func (f *fakeRelations) CancelRelation(ex *exchange.Exchange) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, ex)
	return true
}

func (f *fakeRelations) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.cancelled)
}

// newObserveHarness builds observe over reliability, the endpoint order.
func newObserveHarness(t *testing.T, relations RelationCanceller, opts ...harnessOption) *harness {
	t.Helper()
	h := newHarness(t, opts...)

	var err error
	h.stack, err = New(h.rec, h.rec, NewObserveLayer(relations, nil), h.layer)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return h
}

// TestNotificationContinuationSharesBudget sends a second notification
// while the first is unacknowledged. The second inherits the counter and
// timeout, so the relation still gets MaxRetransmit+1 sends in total.
func TestNotificationContinuationSharesBudget(t *testing.T) {
	h := newObserveHarness(t, &fakeRelations{})
	ex := exchange.New(exchange.OriginRemote, testPeer)

	first := notification(10, 1)
	h.stack.SendResponse(ex, first)
	h.fire(ex)
	h.rec.waitSent(t, 2)
	timeoutBefore := ex.CurrentTimeout()

	second := notification(11, 2)
	second.Type = message.NonConfirmable
	h.stack.SendResponse(ex, second)
	h.rec.waitSent(t, 3)

	if !first.IsCancelled() {
		t.Error("replaced notification should be cancelled")
	}
	if second.Type != message.Confirmable {
		t.Error("continuation must stay confirmable")
	}
	if got := ex.TransmissionCount(); got != 3 {
		t.Errorf("transmission count = %d, want 3", got)
	}
	if got := ex.CurrentTimeout(); got != 2*timeoutBefore {
		t.Errorf("timeout = %v, want %v", got, 2*timeoutBefore)
	}
	if h.scheduler.Pending() != 1 {
		t.Errorf("pending timers = %d, want 1", h.scheduler.Pending())
	}

	h.fire(ex)
	h.rec.waitSent(t, 4)
	h.fire(ex)
	h.rec.waitSent(t, 5)
	h.fire(ex)
	waitTimedOut(t, ex)
	h.rec.quiet(t, 5)

	for _, s := range h.rec.outbound()[2:] {
		if s.resp != second {
			t.Error("only the newest notification may be retransmitted")
		}
	}
}

// TestContinuationOfSpentBudgetTimesOut replaces a notification that is
// already waiting after its last retransmission. The replacement is not
// sent; the exchange times out and the hook fires.
func TestContinuationOfSpentBudgetTimesOut(t *testing.T) {
	var calls atomic.Int32
	h := newObserveHarness(t, &fakeRelations{}, func(c *ReliabilityConfig) {
		c.OnNotificationTimeout = func(net.Addr) { calls.Add(1) }
	})
	ex := exchange.New(exchange.OriginRemote, testPeer)

	first := notification(10, 1)
	h.stack.SendResponse(ex, first)
	for i := 1; i <= h.config.MaxRetransmit; i++ {
		h.fire(ex)
		h.rec.waitSent(t, i+1)
	}
	limit := h.config.MaxRetransmit + 1
	if got := int(ex.TransmissionCount()); got != limit {
		t.Fatalf("transmission count = %d, want %d", got, limit)
	}

	h.stack.SendResponse(ex, notification(11, 2))
	waitTimedOut(t, ex)
	h.rec.quiet(t, limit)

	if got := int(ex.TransmissionCount()); got > limit {
		t.Errorf("transmission count = %d, exceeds %d", got, limit)
	}
	if !first.IsCancelled() {
		t.Error("replaced notification should be cancelled")
	}
	if calls.Load() != 1 {
		t.Errorf("hook called %d times, want 1", calls.Load())
	}
	if h.scheduler.Pending() != 0 {
		t.Errorf("pending timers = %d, want 0", h.scheduler.Pending())
	}
}

func TestAcknowledgedNotificationStartsFresh(t *testing.T) {
	h := newObserveHarness(t, &fakeRelations{})
	ex := exchange.New(exchange.OriginRemote, testPeer)

	first := notification(10, 1)
	h.stack.SendResponse(ex, first)
	h.stack.ReceiveEmptyMessage(ex, inboundEmpty(message.Acknowledgement, 10))

	second := notification(11, 2)
	h.stack.SendResponse(ex, second)

	if first.IsCancelled() {
		t.Error("acknowledged notification must not be cancelled")
	}
	if got := ex.TransmissionCount(); got != 1 {
		t.Errorf("transmission count = %d, want 1", got)
	}
}

func TestResetOnNotificationCancelsRelation(t *testing.T) {
	relations := &fakeRelations{}
	h := newObserveHarness(t, relations)
	ex := exchange.New(exchange.OriginRemote, testPeer)

	h.stack.SendResponse(ex, notification(10, 1))
	h.stack.ReceiveEmptyMessage(ex, inboundEmpty(message.Reset, 10))

	if relations.count() != 1 || relations.cancelled[0] != ex {
		t.Fatalf("cancelled relations = %d, want 1", relations.count())
	}
	if _, _, empties := h.rec.delivered(); empties != 1 {
		t.Error("RST should still reach the application")
	}
}

func TestResetOnPlainResponseKeepsRelations(t *testing.T) {
	relations := &fakeRelations{}
	h := newObserveHarness(t, relations)
	ex := exchange.New(exchange.OriginRemote, testPeer)

	resp := message.NewResponse(message.Content)
	resp.Type = message.Confirmable
	resp.MID = 10
	h.stack.SendResponse(ex, resp)
	h.stack.ReceiveEmptyMessage(ex, inboundEmpty(message.Reset, 10))

	if relations.count() != 0 {
		t.Error("RST on a plain response must not cancel relations")
	}
}
