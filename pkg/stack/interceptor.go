package stack

import (
	"github.com/backkem/coap/pkg/exchange"
	"github.com/backkem/coap/pkg/message"
)

// Direction tells an Interceptor which way a message is travelling.
type Direction int

const (
	// Outbound messages are on their way to the transport.
	Outbound Direction = iota
	// Inbound messages were just received from the transport.
	Inbound
)

// String returns a human-readable name for the direction.
func (d Direction) String() string {
	if d == Inbound {
		return "Inbound"
	}
	return "Outbound"
}

// Interceptor observes every message at the bottom of the stack. Calling
// Cancel on the message stops it: an outbound message never reaches the
// transport and an inbound one never ascends.
type Interceptor interface {
	Intercept(dir Direction, msg *message.Message)
}

// InterceptorFunc adapts a function to Interceptor.
type InterceptorFunc func(dir Direction, msg *message.Message)

// Intercept calls f.
func (f InterceptorFunc) Intercept(dir Direction, msg *message.Message) {
	f(dir, msg)
}

// InterceptorLayer runs interceptors on all traffic passing through it.
type InterceptorLayer struct {
	Passthrough
	interceptors []Interceptor
}

// NewInterceptorLayer creates a layer running interceptors in order.
func NewInterceptorLayer(interceptors ...Interceptor) *InterceptorLayer {
	return &InterceptorLayer{interceptors: interceptors}
}

// pass runs the interceptors and reports whether msg may continue.
func (l *InterceptorLayer) pass(dir Direction, msg *message.Message) bool {
	for _, i := range l.interceptors {
		i.Intercept(dir, msg)
	}
	return !msg.IsCancelled()
}

func (l *InterceptorLayer) SendRequest(ex *exchange.Exchange, req *message.Request) {
	if l.pass(Outbound, &req.Message) {
		l.Lower.SendRequest(ex, req)
	}
}

func (l *InterceptorLayer) SendResponse(ex *exchange.Exchange, resp *message.Response) {
	if l.pass(Outbound, &resp.Message) {
		l.Lower.SendResponse(ex, resp)
	}
}

func (l *InterceptorLayer) SendEmptyMessage(ex *exchange.Exchange, msg *message.EmptyMessage) {
	if l.pass(Outbound, &msg.Message) {
		l.Lower.SendEmptyMessage(ex, msg)
	}
}

func (l *InterceptorLayer) ReceiveRequest(ex *exchange.Exchange, req *message.Request) {
	if l.pass(Inbound, &req.Message) {
		l.Upper.ReceiveRequest(ex, req)
	}
}

func (l *InterceptorLayer) ReceiveResponse(ex *exchange.Exchange, resp *message.Response) {
	if l.pass(Inbound, &resp.Message) {
		l.Upper.ReceiveResponse(ex, resp)
	}
}

func (l *InterceptorLayer) ReceiveEmptyMessage(ex *exchange.Exchange, msg *message.EmptyMessage) {
	if l.pass(Inbound, &msg.Message) {
		l.Upper.ReceiveEmptyMessage(ex, msg)
	}
}

var _ Layer = (*InterceptorLayer)(nil)
