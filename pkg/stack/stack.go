package stack

import (
	"errors"
	"fmt"

	"github.com/backkem/coap/pkg/exchange"
	"github.com/backkem/coap/pkg/message"
)

// ErrNilLink is returned when the application, the sink or a layer is nil.
var ErrNilLink = errors.New("stack: nil application, sink or layer")

// Stack is a fixed, ordered chain of layers.
//
// Outbound messages enter at the top layer and leave through the sink;
// inbound messages enter at the bottom layer and are delivered to the
// application. The order is set at construction and the inbound traversal
// is its exact reverse.
type Stack struct {
	layers []Layer
	top    Outbox
	bottom Inbox
}

// New builds a stack. layers are given top to bottom: layers[0] is closest
// to app, the last one is closest to sink.
func New(app Inbox, sink Outbox, layers ...Layer) (*Stack, error) {
	if app == nil || sink == nil {
		return nil, ErrNilLink
	}
	for i, l := range layers {
		if l == nil {
			return nil, fmt.Errorf("%w: layer %d", ErrNilLink, i)
		}
	}

	for i, l := range layers {
		link := Link{Lower: sink, Upper: app}
		if i > 0 {
			link.Upper = layers[i-1]
		}
		if i < len(layers)-1 {
			link.Lower = layers[i+1]
		}
		l.Bind(link)
	}

	s := &Stack{layers: layers, top: sink, bottom: app}
	if len(layers) > 0 {
		s.top = layers[0]
		s.bottom = layers[len(layers)-1]
	}
	return s, nil
}

// Layers returns the layers top to bottom.
func (s *Stack) Layers() []Layer {
	return s.layers
}

// SendRequest enters req at the top of the stack.
func (s *Stack) SendRequest(ex *exchange.Exchange, req *message.Request) {
	s.top.SendRequest(ex, req)
}

// SendResponse enters resp at the top of the stack.
func (s *Stack) SendResponse(ex *exchange.Exchange, resp *message.Response) {
	s.top.SendResponse(ex, resp)
}

// SendEmptyMessage enters msg at the top of the stack.
func (s *Stack) SendEmptyMessage(ex *exchange.Exchange, msg *message.EmptyMessage) {
	s.top.SendEmptyMessage(ex, msg)
}

// ReceiveRequest enters req at the bottom of the stack.
func (s *Stack) ReceiveRequest(ex *exchange.Exchange, req *message.Request) {
	s.bottom.ReceiveRequest(ex, req)
}

// ReceiveResponse enters resp at the bottom of the stack.
func (s *Stack) ReceiveResponse(ex *exchange.Exchange, resp *message.Response) {
	s.bottom.ReceiveResponse(ex, resp)
}

// ReceiveEmptyMessage enters msg at the bottom of the stack.
func (s *Stack) ReceiveEmptyMessage(ex *exchange.Exchange, msg *message.EmptyMessage) {
	s.bottom.ReceiveEmptyMessage(ex, msg)
}
