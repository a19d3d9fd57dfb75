package stack

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/backkem/coap/pkg/exchange"
	"github.com/backkem/coap/pkg/message"
	"github.com/benbjohnson/clock"
)

var testPeer = &net.UDPAddr{IP: net.IPv4(192, 0, 2, 7), Port: 5683}

// fixedRandom returns a fixed value for deterministic initial timeouts.
type fixedRandom float64

func (f fixedRandom) Float64() float64 { return float64(f) }

// sent is one message that reached the bottom of the stack.
type sent struct {
	kind message.Kind
	msg  *message.Message
	req  *message.Request
	resp *message.Response
}

// recorder is both the transport sink and the application: it records
// everything that leaves the stack in either direction.
type recorder struct {
	mu        sync.Mutex
	out       []sent
	requests  []*message.Request
	responses []*message.Response
	empties   []*message.EmptyMessage
}

func (r *recorder) SendRequest(ex *exchange.Exchange, req *message.Request) {
	r.mu.Lock()
	r.out = append(r.out, sent{kind: message.KindRequest, msg: &req.Message, req: req})
	r.mu.Unlock()
}

func (r *recorder) SendResponse(ex *exchange.Exchange, resp *message.Response) {
	r.mu.Lock()
	r.out = append(r.out, sent{kind: message.KindResponse, msg: &resp.Message, resp: resp})
	r.mu.Unlock()
}

func (r *recorder) SendEmptyMessage(ex *exchange.Exchange, msg *message.EmptyMessage) {
	r.mu.Lock()
	r.out = append(r.out, sent{kind: message.KindEmpty, msg: &msg.Message})
	r.mu.Unlock()
}

func (r *recorder) ReceiveRequest(ex *exchange.Exchange, req *message.Request) {
	r.mu.Lock()
	r.requests = append(r.requests, req)
	r.mu.Unlock()
}

func (r *recorder) ReceiveResponse(ex *exchange.Exchange, resp *message.Response) {
	r.mu.Lock()
	r.responses = append(r.responses, resp)
	r.mu.Unlock()
}

func (r *recorder) ReceiveEmptyMessage(ex *exchange.Exchange, msg *message.EmptyMessage) {
	r.mu.Lock()
	r.empties = append(r.empties, msg)
	r.mu.Unlock()
}

func (r *recorder) outbound() []sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]sent, len(r.out))
	copy(out, r.out)
	return out
}

func (r *recorder) sentCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.out)
}

func (r *recorder) delivered() (requests, responses, empties int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.requests), len(r.responses), len(r.empties)
}

// waitSent blocks until n messages reached the sink. Mock clock timers
// dispatch on their own goroutine, so tests poll.
func (r *recorder) waitSent(t *testing.T, n int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if r.sentCount() >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("sent %d messages, want %d", r.sentCount(), n)
}

// quiet asserts that the sink stays at n messages for a little while.
func (r *recorder) quiet(t *testing.T, n int) {
	t.Helper()
	time.Sleep(20 * time.Millisecond)
	if got := r.sentCount(); got != n {
		t.Fatalf("sent %d messages, want %d", got, n)
	}
}

type harness struct {
	clock     *clock.Mock
	scheduler *exchange.Scheduler
	rec       *recorder
	layer     *ReliabilityLayer
	stack     *Stack
	config    exchange.Config
}

type harnessOption func(*ReliabilityConfig)

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()

	mock := clock.NewMock()
	h := &harness{
		clock:     mock,
		scheduler: exchange.NewScheduler(mock),
		rec:       &recorder{},
	}
	t.Cleanup(h.scheduler.Close)

	cfg := ReliabilityConfig{
		Exchange:  exchange.DefaultConfig(),
		Scheduler: h.scheduler,
		Random:    fixedRandom(0),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	h.config = cfg.Exchange

	layer, err := NewReliabilityLayer(cfg)
	if err != nil {
		t.Fatalf("NewReliabilityLayer() error = %v", err)
	}
	h.layer = layer

	h.stack, err = New(h.rec, h.rec, layer)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return h
}

// fire advances the mock clock to the exchange's pending timer.
func (h *harness) fire(ex *exchange.Exchange) {
	h.clock.Add(ex.CurrentTimeout())
}

// waitTimedOut blocks until the exchange is marked timed out.
func waitTimedOut(t *testing.T, ex *exchange.Exchange) {
	t.Helper()
	select {
	case <-ex.Done():
	case <-time.After(time.Second):
		t.Fatal("exchange did not complete")
	}
	if !ex.IsTimedOut() {
		t.Fatal("exchange completed without timing out")
	}
}

func newCON(mid uint16) *message.Request {
	req := message.NewGet("test")
	req.MID = mid
	req.Token = []byte{0xCA, 0xFE}
	req.Destination = testPeer
	return req
}

func inboundRequest(typ message.Type, mid uint16, duplicate bool) *message.Request {
	req := message.NewRequest(message.GET, typ)
	req.MID = mid
	req.Source = testPeer
	req.SetDuplicate(duplicate)
	return req
}

func inboundEmpty(typ message.Type, mid uint16) *message.EmptyMessage {
	e := &message.EmptyMessage{}
	e.Type = typ
	e.Code = message.CodeEmpty
	e.MID = mid
	e.Source = testPeer
	return e
}

func notification(mid uint16, seq uint32) *message.Response {
	resp := message.NewResponse(message.Content)
	resp.Type = message.Confirmable
	resp.MID = mid
	resp.Destination = testPeer
	resp.Options.SetObserve(seq)
	return resp
}
