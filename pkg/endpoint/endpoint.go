// Package endpoint assembles a CoAP endpoint: a datagram transport, the
// message codec, the matcher and the layer stack with the reliability and
// observe layers.
//
// Outbound requests enter at the top of the stack and leave through the
// matcher and the transport; inbound datagrams are decoded, matched to an
// exchange and climb the stack to the application.
//
//	app ─ ObserveLayer ─ ReliabilityLayer ─ [InterceptorLayer] ─ matcher/codec ─ UDP
package endpoint

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"net"
	"sync"
	"sync/atomic"

	"github.com/backkem/coap/pkg/exchange"
	"github.com/backkem/coap/pkg/matcher"
	"github.com/backkem/coap/pkg/message"
	"github.com/backkem/coap/pkg/observe"
	"github.com/backkem/coap/pkg/stack"
	"github.com/backkem/coap/pkg/transport"
	"github.com/pion/logging"
)

// tokenLength is the size of generated request tokens.
const tokenLength = 4

// Endpoint sends and receives CoAP messages over one PacketConn.
type Endpoint struct {
	udp          *transport.UDP
	matcher      *matcher.Matcher
	stack        *stack.Stack
	relations    *observe.Registry
	scheduler    *exchange.Scheduler
	ownScheduler bool
	handler      Handler
	onNotifyFail func(net.Addr)
	log          logging.LeveledLogger

	mid atomic.Uint32

	mu           sync.Mutex
	observations map[*exchange.Exchange]*Observation

	closeOnce sync.Once
	closed    chan struct{}
}

// New creates an endpoint. Call Start to begin receiving.
func New(config Config) (*Endpoint, error) {
	if config.Exchange == (exchange.Config{}) {
		config.Exchange = exchange.DefaultConfig()
	}
	if err := config.Exchange.Validate(); err != nil {
		return nil, err
	}

	e := &Endpoint{
		handler:      config.Handler,
		onNotifyFail: config.OnNotificationTimeout,
		observations: make(map[*exchange.Exchange]*Observation),
		closed:       make(chan struct{}),
	}
	if e.handler == nil {
		e.handler = NotFoundHandler()
	}
	if config.LoggerFactory != nil {
		e.log = config.LoggerFactory.NewLogger("coap-endpoint")
	}

	e.scheduler = config.Scheduler
	if e.scheduler == nil {
		e.scheduler = exchange.NewScheduler(config.Clock)
		e.ownScheduler = true
	}
	fail := func(err error) (*Endpoint, error) {
		if e.ownScheduler {
			e.scheduler.Close()
		}
		return nil, err
	}

	metrics, err := stack.NewMetrics(config.Registerer)
	if err != nil {
		return fail(err)
	}

	e.relations = observe.NewRegistry(observe.RegistryConfig{
		OnCancel:      func(rel *observe.Relation) { e.matcher.Complete(rel.Exchange) },
		LoggerFactory: config.LoggerFactory,
	})
	e.matcher = matcher.New(matcher.Config{
		ExchangeLifetime: config.Exchange.ExchangeLifetime,
		LoggerFactory:    config.LoggerFactory,
	})

	reliability, err := stack.NewReliabilityLayer(stack.ReliabilityConfig{
		Exchange:              config.Exchange,
		Scheduler:             e.scheduler,
		Random:                config.Random,
		OnNotificationTimeout: e.notificationTimedOut,
		Metrics:               metrics,
		LoggerFactory:         config.LoggerFactory,
	})
	if err != nil {
		return fail(err)
	}

	layers := []stack.Layer{
		stack.NewObserveLayer(e.relations, config.LoggerFactory),
		reliability,
	}
	if len(config.Interceptors) > 0 {
		layers = append(layers, stack.NewInterceptorLayer(config.Interceptors...))
	}
	e.stack, err = stack.New(&application{e: e}, &wire{e: e}, layers...)
	if err != nil {
		return fail(err)
	}

	e.udp, err = transport.NewUDP(transport.UDPConfig{
		Conn:           config.Conn,
		ListenAddr:     config.ListenAddr,
		MessageHandler: e.receive,
		LoggerFactory:  config.LoggerFactory,
	})
	if err != nil {
		return fail(err)
	}

	var seed [2]byte
	if _, err := rand.Read(seed[:]); err == nil {
		e.mid.Store(uint32(binary.BigEndian.Uint16(seed[:])))
	}

	return e, nil
}

// Start begins receiving datagrams.
func (e *Endpoint) Start() error {
	return e.udp.Start()
}

// Stop closes the transport. Pending Do calls return ErrClosed. The
// scheduler is closed only if the endpoint created it.
func (e *Endpoint) Stop() error {
	err := ErrClosed
	e.closeOnce.Do(func() {
		close(e.closed)
		err = e.udp.Stop()
		if e.ownScheduler {
			e.scheduler.Close()
		}
		if e.log != nil {
			e.log.Infof("stopped, %d relations dropped", e.relations.Count())
		}
	})
	return err
}

func (e *Endpoint) isClosed() bool {
	select {
	case <-e.closed:
		return true
	default:
		return false
	}
}

// LocalAddr returns the address the endpoint is bound to.
func (e *Endpoint) LocalAddr() net.Addr {
	return e.udp.LocalAddr()
}

// Relations returns the server side observe relations.
func (e *Endpoint) Relations() *observe.Registry {
	return e.relations
}

// Matcher returns the endpoint's matcher.
func (e *Endpoint) Matcher() *matcher.Matcher {
	return e.matcher
}

// Scheduler returns the scheduler running the endpoint's timers.
func (e *Endpoint) Scheduler() *exchange.Scheduler {
	return e.scheduler
}

func (e *Endpoint) nextMID() uint16 {
	return uint16(e.mid.Add(1))
}

func newToken() []byte {
	token := make([]byte, tokenLength)
	_, _ = rand.Read(token)
	return token
}

// Send transmits req to req.Destination and returns its exchange without
// waiting. A MID is always assigned; a token only if req has none.
func (e *Endpoint) Send(ctx context.Context, req *message.Request) (*exchange.Exchange, error) {
	ex, err := e.prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	e.stack.SendRequest(ex, req)
	return ex, nil
}

func (e *Endpoint) prepare(ctx context.Context, req *message.Request) (*exchange.Exchange, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if e.isClosed() {
		return nil, ErrClosed
	}
	if req.Destination == nil {
		return nil, ErrNoDestination
	}

	req.MID = e.nextMID()
	if len(req.Token) == 0 {
		req.Token = newToken()
	}

	ex := exchange.New(exchange.OriginLocal, req.Destination)
	ex.OnTimeout(e.finish)
	return ex, nil
}

// Do sends req and waits for its response. It returns ErrTimeout when a
// confirmable request ran out of retransmissions and ErrRejected when the
// peer answered with RST. Non-confirmable requests are never retransmitted,
// so callers should bound Do with a context deadline.
func (e *Endpoint) Do(ctx context.Context, req *message.Request) (*message.Response, error) {
	ex, err := e.Send(ctx, req)
	if err != nil {
		return nil, err
	}

	select {
	case <-ex.Done():
	case <-ctx.Done():
		e.abandon(ex, req)
		return nil, ctx.Err()
	case <-e.closed:
		e.abandon(ex, req)
		return nil, ErrClosed
	}

	switch {
	case ex.IsTimedOut():
		return nil, ErrTimeout
	case req.IsRejected():
		return nil, ErrRejected
	}
	resp := ex.CurrentResponse()
	if resp == nil {
		return nil, ErrNoResponse
	}
	return resp, nil
}

// abandon stops retransmitting a request nobody waits for any more.
func (e *Endpoint) abandon(ex *exchange.Exchange, req *message.Request) {
	req.Cancel()
	ex.CancelRetransmission()
	e.finish(ex)
}

// finish releases everything the endpoint holds for ex.
func (e *Endpoint) finish(ex *exchange.Exchange) {
	e.mu.Lock()
	delete(e.observations, ex)
	e.mu.Unlock()

	e.matcher.Complete(ex)
	ex.Complete()
}

// notificationTimedOut drops every relation of a peer that stopped
// acknowledging notifications.
func (e *Endpoint) notificationTimedOut(peer net.Addr) {
	n := e.relations.CancelAll(peer)
	if e.log != nil {
		e.log.Warnf("notification to %v timed out, %d relations cancelled", peer, n)
	}
	if e.onNotifyFail != nil {
		e.onNotifyFail(peer)
	}
}

// Notify sends resp to the observer of rel. The Observe option, token,
// destination and MID are filled in; the type defaults to CON. Notifications
// of one relation must not be sent concurrently.
func (e *Endpoint) Notify(rel *observe.Relation, resp *message.Response) error {
	if e.isClosed() {
		return ErrClosed
	}

	resp.Token = rel.Token
	resp.Destination = rel.Peer
	resp.MID = e.nextMID()
	if resp.Type != message.NonConfirmable {
		resp.Type = message.Confirmable
	}
	resp.Options.SetObserve(rel.NextSequence())
	resp.SetRequest(rel.Exchange.CurrentRequest())

	e.stack.SendResponse(rel.Exchange, resp)
	return nil
}

// NotifyObservers sends a notification built by build to every observer
// of resource and returns how many were sent.
func (e *Endpoint) NotifyObservers(resource string, build func(rel *observe.Relation) *message.Response) int {
	n := 0
	for _, rel := range e.relations.ForResource(resource) {
		if err := e.Notify(rel, build(rel)); err != nil {
			break
		}
		n++
	}
	return n
}

// receive is the transport's message handler.
func (e *Endpoint) receive(rm *transport.ReceivedMessage) {
	d, err := message.Decode(rm.Data)
	if err != nil {
		if e.log != nil {
			e.log.Debugf("dropping malformed datagram from %v: %v", rm.Peer, err)
		}
		return
	}
	m := d.Message()
	m.Source = rm.Peer

	switch d.Kind {
	case message.KindRequest:
		ex := e.matcher.InboundRequest(d.Request)
		e.stack.ReceiveRequest(ex, d.Request)

	case message.KindResponse:
		ex, err := e.matcher.InboundResponse(d.Response)
		if err != nil {
			if e.log != nil {
				e.log.Debugf("unmatched %s from %v", m, rm.Peer)
			}
			if m.Type != message.Acknowledgement {
				e.reset(m)
			}
			return
		}
		e.stack.ReceiveResponse(ex, d.Response)

	case message.KindEmpty:
		if m.Type == message.Confirmable {
			// ping
			e.reset(m)
			return
		}
		ex, err := e.matcher.InboundEmpty(d.Empty)
		if err != nil {
			if e.log != nil {
				e.log.Debugf("unmatched %s from %v", m, rm.Peer)
			}
			return
		}
		e.stack.ReceiveEmptyMessage(ex, d.Empty)
	}
}

// reset answers m with RST outside of any exchange.
func (e *Endpoint) reset(m *message.Message) {
	e.stack.SendEmptyMessage(exchange.New(exchange.OriginRemote, m.Source), message.NewRST(m))
}

// write encodes m and hands it to the transport. Failures are logged; the
// reliability layer retransmits confirmable messages regardless.
func (e *Endpoint) write(m *message.Message) {
	data, err := message.Encode(m)
	if err != nil {
		if e.log != nil {
			e.log.Warnf("cannot encode %s: %v", m, err)
		}
		return
	}
	if err := e.udp.Send(data, m.Destination); err != nil && e.log != nil {
		e.log.Debugf("send %s to %v: %v", m, m.Destination, err)
	}
}

// wire is the bottom of the stack.
type wire struct {
	e *Endpoint
}

func (w *wire) SendRequest(ex *exchange.Exchange, req *message.Request) {
	w.e.matcher.OutboundRequest(ex, req)
	w.e.write(&req.Message)
}

func (w *wire) SendResponse(ex *exchange.Exchange, resp *message.Response) {
	w.e.matcher.OutboundResponse(ex, resp)
	w.e.write(&resp.Message)
}

func (w *wire) SendEmptyMessage(_ *exchange.Exchange, msg *message.EmptyMessage) {
	w.e.write(&msg.Message)
}

// application is the top of the stack.
type application struct {
	e *Endpoint
}

func (a *application) ReceiveRequest(ex *exchange.Exchange, req *message.Request) {
	ex.OnTimeout(a.e.finish)
	go a.e.serve(newServerExchange(a.e, ex, req))
}

func (a *application) ReceiveResponse(ex *exchange.Exchange, resp *message.Response) {
	e := a.e
	e.mu.Lock()
	obs := e.observations[ex]
	e.mu.Unlock()

	if obs == nil {
		e.finish(ex)
		return
	}

	obs.deliver(resp, e.scheduler.Clock().Now())
	if !resp.IsNotification() || resp.Code.Class() != 2 {
		e.finish(ex)
	}
}

func (a *application) ReceiveEmptyMessage(ex *exchange.Exchange, msg *message.EmptyMessage) {
	if ex.IsFromLocal() {
		// An ACK announces a separate response; only RST ends the exchange.
		if msg.Type == message.Reset {
			a.e.finish(ex)
		}
		return
	}
	// An acknowledged notification keeps the relation's exchange open; the
	// observe layer has already dropped the relation on RST.
	if resp := ex.CurrentResponse(); resp != nil && resp.IsNotification() && msg.Type != message.Reset {
		return
	}
	a.e.finish(ex)
}

var (
	_ stack.Outbox = (*wire)(nil)
	_ stack.Inbox  = (*application)(nil)
)
