package stack

import (
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/backkem/coap/pkg/exchange"
	"github.com/backkem/coap/pkg/message"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewReliabilityLayerErrors(t *testing.T) {
	if _, err := NewReliabilityLayer(ReliabilityConfig{Exchange: exchange.DefaultConfig()}); err != ErrNoScheduler {
		t.Errorf("missing scheduler: err = %v, want ErrNoScheduler", err)
	}

	cfg := exchange.DefaultConfig()
	cfg.AckRandomFactor = 0.5
	_, err := NewReliabilityLayer(ReliabilityConfig{Exchange: cfg, Scheduler: exchange.NewScheduler(nil)})
	if !errors.Is(err, exchange.ErrInvalidConfig) {
		t.Errorf("bad factor: err = %v, want ErrInvalidConfig", err)
	}
}

func TestFirstTimeoutWithinRange(t *testing.T) {
	h := newHarness(t, func(c *ReliabilityConfig) { c.Random = nil })
	min, max := exchange.NewBackoff(h.config, nil).InitialRange()

	for i := 0; i < 200; i++ {
		ex := exchange.New(exchange.OriginLocal, testPeer)
		h.stack.SendRequest(ex, newCON(uint16(i)))
		if got := ex.CurrentTimeout(); got < min || got >= max {
			t.Fatalf("first timeout %v outside [%v, %v)", got, min, max)
		}
		ex.CancelRetransmission()
	}
}

// TestRetransmissionBudget checks that a request nobody answers is sent
// MaxRetransmit+1 times with doubling timeouts and then times out.
func TestRetransmissionBudget(t *testing.T) {
	h := newHarness(t)
	ex := exchange.New(exchange.OriginLocal, testPeer)
	req := newCON(1)

	h.stack.SendRequest(ex, req)
	h.rec.waitSent(t, 1)
	if got := ex.CurrentTimeout(); got != h.config.AckTimeout {
		t.Fatalf("first timeout = %v, want %v", got, h.config.AckTimeout)
	}

	prev := ex.CurrentTimeout()
	for i := 1; i <= h.config.MaxRetransmit; i++ {
		h.fire(ex)
		h.rec.waitSent(t, i+1)
		if got := ex.CurrentTimeout(); got != 2*prev {
			t.Errorf("retransmission %d timeout = %v, want %v", i, got, 2*prev)
		}
		prev = ex.CurrentTimeout()
	}

	h.fire(ex)
	waitTimedOut(t, ex)
	h.rec.quiet(t, h.config.MaxRetransmit+1)

	if got := ex.TransmissionCount(); got != uint32(h.config.MaxRetransmit+1) {
		t.Errorf("transmission count = %d, want %d", got, h.config.MaxRetransmit+1)
	}
	for i, s := range h.rec.outbound() {
		if s.req != req {
			t.Errorf("send %d was not the original request", i)
		}
	}
	if h.scheduler.Pending() != 0 {
		t.Error("timed-out exchange must not re-arm")
	}
}

func TestZeroRetransmitBudget(t *testing.T) {
	h := newHarness(t, func(c *ReliabilityConfig) { c.Exchange.MaxRetransmit = 0 })
	ex := exchange.New(exchange.OriginLocal, testPeer)

	h.stack.SendRequest(ex, newCON(1))
	h.fire(ex)
	waitTimedOut(t, ex)
	h.rec.quiet(t, 1)
}

// TestAckAfterSecondSend is the lost-ACK scenario: the ACK arrives after
// the first retransmission, so no third send happens.
func TestAckAfterSecondSend(t *testing.T) {
	h := newHarness(t)
	ex := exchange.New(exchange.OriginLocal, testPeer)
	req := newCON(42)

	h.stack.SendRequest(ex, req)
	h.fire(ex)
	h.rec.waitSent(t, 2)

	h.stack.ReceiveEmptyMessage(ex, inboundEmpty(message.Acknowledgement, 42))

	h.clock.Add(time.Hour)
	h.rec.quiet(t, 2)

	if !req.IsAcknowledged() {
		t.Error("request should be acknowledged")
	}
	if ex.IsTimedOut() {
		t.Error("acknowledged exchange must not time out")
	}
	if _, _, empties := h.rec.delivered(); empties != 1 {
		t.Errorf("ACK forwarded %d times, want 1", empties)
	}
}

func TestResetCancelsRetransmission(t *testing.T) {
	h := newHarness(t)
	ex := exchange.New(exchange.OriginLocal, testPeer)
	req := newCON(7)

	h.stack.SendRequest(ex, req)
	h.stack.ReceiveEmptyMessage(ex, inboundEmpty(message.Reset, 7))

	h.clock.Add(time.Hour)
	h.rec.quiet(t, 1)

	if !req.IsRejected() || req.IsAcknowledged() {
		t.Error("request should be rejected only")
	}

	// A late ACK cannot flip the state.
	h.stack.ReceiveEmptyMessage(ex, inboundEmpty(message.Acknowledgement, 7))
	if req.IsAcknowledged() {
		t.Error("acknowledged after rejection")
	}
}

func TestNonConfirmableArmsNoTimer(t *testing.T) {
	h := newHarness(t)
	ex := exchange.New(exchange.OriginLocal, testPeer)
	req := newCON(3)
	req.Type = message.NonConfirmable

	h.stack.SendRequest(ex, req)

	if h.scheduler.Pending() != 0 || ex.HasPendingRetransmission() {
		t.Fatal("NON request armed a timer")
	}
	h.clock.Add(time.Hour)
	h.rec.quiet(t, 1)
}

// TestStaleTimerIsIgnored fires a task that the exchange no longer owns.
func TestStaleTimerIsIgnored(t *testing.T) {
	h := newHarness(t)
	ex := exchange.New(exchange.OriginLocal, testPeer)
	h.stack.SendRequest(ex, newCON(5))
	ex.CancelRetransmission()

	h.layer.Dispatch(exchange.TaskID(1), exchange.Task{Exchange: ex, Replay: exchange.ReplayRequest, Target: h.layer})
	h.rec.quiet(t, 1)
}

func TestAckedBeforeDispatchIsNoop(t *testing.T) {
	h := newHarness(t)
	ex := exchange.New(exchange.OriginLocal, testPeer)
	req := newCON(5)
	h.stack.SendRequest(ex, req)

	// The ACK lands after the timer fired but before cancellation.
	req.SetAcknowledged()
	h.fire(ex)
	h.rec.quiet(t, 1)
	if ex.IsTimedOut() {
		t.Error("benign race must not time out the exchange")
	}
}

func TestDuplicateRequestResendsResponse(t *testing.T) {
	h := newHarness(t)
	ex := exchange.New(exchange.OriginRemote, testPeer)

	orig := inboundRequest(message.Confirmable, 100, false)
	ex.SetCurrentRequest(orig)
	h.stack.ReceiveRequest(ex, orig)

	resp := message.NewResponse(message.Content)
	resp.Type = message.Acknowledgement
	resp.MID = 100
	orig.SetAcknowledged()
	h.stack.SendResponse(ex, resp)
	h.rec.waitSent(t, 1)

	h.stack.ReceiveRequest(ex, inboundRequest(message.Confirmable, 100, true))
	h.rec.waitSent(t, 2)

	out := h.rec.outbound()
	if out[1].resp != resp {
		t.Errorf("duplicate answered with %v, want the original response", out[1].msg)
	}
	if reqs, _, _ := h.rec.delivered(); reqs != 1 {
		t.Errorf("application saw %d requests, want 1", reqs)
	}
}

func TestDuplicateRequestWithConResponseKeepsOneTimer(t *testing.T) {
	h := newHarness(t)
	ex := exchange.New(exchange.OriginRemote, testPeer)
	ex.SetCurrentRequest(inboundRequest(message.Confirmable, 100, false))

	resp := message.NewResponse(message.Content)
	resp.Type = message.Confirmable
	resp.MID = 200
	h.stack.SendResponse(ex, resp)
	h.stack.ReceiveRequest(ex, inboundRequest(message.Confirmable, 100, true))
	h.rec.waitSent(t, 2)

	if n := h.scheduler.Pending(); n != 1 {
		t.Errorf("pending timers = %d, want 1", n)
	}
	if ex.TransmissionCount() != 1 {
		t.Errorf("resend should restart the budget, count = %d", ex.TransmissionCount())
	}
}

func TestDuplicateRequestSettledWithoutResponse(t *testing.T) {
	tests := []struct {
		name   string
		settle func(*message.Request)
		want   message.Type
	}{
		{"acknowledged", func(r *message.Request) { r.SetAcknowledged() }, message.Acknowledgement},
		{"rejected", func(r *message.Request) { r.SetRejected() }, message.Reset},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			ex := exchange.New(exchange.OriginRemote, testPeer)
			orig := inboundRequest(message.Confirmable, 9, false)
			ex.SetCurrentRequest(orig)
			tc.settle(orig)

			h.stack.ReceiveRequest(ex, inboundRequest(message.Confirmable, 9, true))
			h.rec.waitSent(t, 1)

			out := h.rec.outbound()[0]
			if out.kind != message.KindEmpty || out.msg.Type != tc.want {
				t.Errorf("sent %s, want empty %s", out.msg, tc.want)
			}
			if out.msg.MID != 9 || out.msg.Destination != testPeer {
				t.Errorf("reply MID=%d dest=%v", out.msg.MID, out.msg.Destination)
			}
			if reqs, _, _ := h.rec.delivered(); reqs != 0 {
				t.Error("duplicate reached the application")
			}
		})
	}
}

func TestDuplicateRequestUndecidedIsDropped(t *testing.T) {
	h := newHarness(t)
	ex := exchange.New(exchange.OriginRemote, testPeer)
	ex.SetCurrentRequest(inboundRequest(message.Confirmable, 9, false))

	h.stack.ReceiveRequest(ex, inboundRequest(message.Confirmable, 9, true))

	h.rec.quiet(t, 0)
	if reqs, _, _ := h.rec.delivered(); reqs != 0 {
		t.Error("duplicate reached the application")
	}
}

func TestDuplicateResponseAcknowledgedOnce(t *testing.T) {
	h := newHarness(t)
	ex := exchange.New(exchange.OriginLocal, testPeer)
	h.stack.SendRequest(ex, newCON(1))
	h.rec.waitSent(t, 1)

	dup := message.NewResponse(message.Content)
	dup.Type = message.NonConfirmable
	dup.MID = 55
	dup.Source = testPeer
	dup.SetDuplicate(true)
	h.stack.ReceiveResponse(ex, dup)
	h.rec.waitSent(t, 2)
	h.rec.quiet(t, 2)

	ack := h.rec.outbound()[1]
	if ack.kind != message.KindEmpty || ack.msg.Type != message.Acknowledgement || ack.msg.MID != 55 {
		t.Errorf("sent %s, want ACK MID=55", ack.msg)
	}
	if _, resps, _ := h.rec.delivered(); resps != 0 {
		t.Error("duplicate response delivered upstream")
	}
}

func TestConfirmableResponseAcknowledged(t *testing.T) {
	h := newHarness(t)
	ex := exchange.New(exchange.OriginLocal, testPeer)
	req := newCON(1)
	h.stack.SendRequest(ex, req)

	resp := message.NewResponse(message.Content)
	resp.Type = message.Confirmable
	resp.MID = 77
	resp.Source = testPeer
	h.stack.ReceiveResponse(ex, resp)
	h.rec.waitSent(t, 2)

	if !req.IsAcknowledged() {
		t.Error("separate response should settle the request")
	}
	if ex.HasPendingRetransmission() {
		t.Error("response should cancel the request's retransmission")
	}
	if ack := h.rec.outbound()[1]; ack.msg.Type != message.Acknowledgement || ack.msg.MID != 77 {
		t.Errorf("sent %s, want ACK MID=77", ack.msg)
	}
	if ex.CurrentResponse() != resp {
		t.Error("current response not recorded")
	}
	if _, resps, _ := h.rec.delivered(); resps != 1 {
		t.Errorf("delivered %d responses, want 1", resps)
	}
}

func TestUnexpectedEmptyMessageIgnored(t *testing.T) {
	h := newHarness(t)
	ex := exchange.New(exchange.OriginLocal, testPeer)
	req := newCON(4)
	h.stack.SendRequest(ex, req)

	h.stack.ReceiveEmptyMessage(ex, inboundEmpty(message.Confirmable, 4))

	if !ex.HasPendingRetransmission() {
		t.Error("anomalous empty message must not cancel the timer")
	}
	if req.IsAcknowledged() || req.IsRejected() {
		t.Error("anomalous empty message must not settle the request")
	}
	if _, _, empties := h.rec.delivered(); empties != 0 {
		t.Error("anomalous empty message forwarded")
	}
}

func TestAckForReplacedMessageIgnored(t *testing.T) {
	h := newHarness(t)
	ex := exchange.New(exchange.OriginLocal, testPeer)
	req := newCON(4)
	h.stack.SendRequest(ex, req)

	h.stack.ReceiveEmptyMessage(ex, inboundEmpty(message.Acknowledgement, 3))
	if req.IsAcknowledged() || !ex.HasPendingRetransmission() {
		t.Error("ACK with another MID must not settle the request")
	}
}

// TestNotificationTimeoutHook loses every transmission of a confirmable
// notification and expects the hook to fire once with the peer.
func TestNotificationTimeoutHook(t *testing.T) {
	var calls atomic.Int32
	var got atomic.Value
	h := newHarness(t, func(c *ReliabilityConfig) {
		c.OnNotificationTimeout = func(peer net.Addr) {
			calls.Add(1)
			got.Store(peer)
		}
	})

	ex := exchange.New(exchange.OriginRemote, testPeer)
	ex.SetCurrentRequest(inboundRequest(message.Confirmable, 1, false))
	h.stack.SendResponse(ex, notification(10, 1))

	for i := 1; i <= 4; i++ {
		h.fire(ex)
		h.rec.waitSent(t, i+1)
	}
	h.fire(ex)
	waitTimedOut(t, ex)
	h.rec.quiet(t, 5)

	if calls.Load() != 1 {
		t.Fatalf("hook called %d times, want 1", calls.Load())
	}
	if got.Load() != testPeer {
		t.Errorf("hook peer = %v, want %v", got.Load(), testPeer)
	}
}

func TestPlainResponseTimeoutSkipsHook(t *testing.T) {
	var calls atomic.Int32
	h := newHarness(t, func(c *ReliabilityConfig) {
		c.Exchange.MaxRetransmit = 1
		c.OnNotificationTimeout = func(net.Addr) { calls.Add(1) }
	})

	ex := exchange.New(exchange.OriginRemote, testPeer)
	resp := message.NewResponse(message.Content)
	resp.Type = message.Confirmable
	h.stack.SendResponse(ex, resp)

	h.fire(ex)
	h.rec.waitSent(t, 2)
	h.fire(ex)
	waitTimedOut(t, ex)

	if calls.Load() != 0 {
		t.Error("hook must only fire for notifications")
	}
}

func TestReliabilityMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics, err := NewMetrics(reg)
	if err != nil {
		t.Fatalf("NewMetrics() error = %v", err)
	}
	h := newHarness(t, func(c *ReliabilityConfig) {
		c.Metrics = metrics
		c.Exchange.MaxRetransmit = 2
	})

	ex := exchange.New(exchange.OriginLocal, testPeer)
	h.stack.SendRequest(ex, newCON(1))
	for i := 1; i <= 2; i++ {
		h.fire(ex)
		h.rec.waitSent(t, i+1)
	}
	h.fire(ex)
	waitTimedOut(t, ex)

	acked := exchange.New(exchange.OriginLocal, testPeer)
	h.stack.SendRequest(acked, newCON(2))
	h.stack.ReceiveEmptyMessage(acked, inboundEmpty(message.Acknowledgement, 2))

	if got := testutil.ToFloat64(metrics.transmissions.WithLabelValues("Request", "CON")); got != 2 {
		t.Errorf("transmissions = %v, want 2", got)
	}
	if got := testutil.ToFloat64(metrics.retransmissions.WithLabelValues("Request")); got != 2 {
		t.Errorf("retransmissions = %v, want 2", got)
	}
	if got := testutil.ToFloat64(metrics.timeouts); got != 1 {
		t.Errorf("timeouts = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.cancellations.WithLabelValues("ACK")); got != 1 {
		t.Errorf("cancellations = %v, want 1", got)
	}

	// A second endpoint on the same registry shares the collectors.
	again, err := NewMetrics(reg)
	if err != nil {
		t.Fatalf("second NewMetrics() error = %v", err)
	}
	if again.timeouts != metrics.timeouts {
		t.Error("re-registration should reuse the existing collectors")
	}
}

func TestNilMetricsAreInert(t *testing.T) {
	var m *Metrics
	m.transmission(message.KindRequest, message.Confirmable)
	m.retransmission(message.KindRequest)
	m.duplicate(message.KindRequest)
	m.timeout()
	m.cancellation(message.Reset)
}
