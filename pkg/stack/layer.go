// Package stack implements the CoAP message pipeline: an ordered chain of
// layers through which outbound messages descend and inbound messages
// ascend, and the layers that make up the reliability core.
//
// A Layer is bound once to its neighbours through a Link. Layers embed
// Passthrough and override only the operations they care about; calling
// the embedded method (or Lower/Upper directly) continues propagation, and
// returning without doing so terminates it.
package stack

import (
	"github.com/backkem/coap/pkg/exchange"
	"github.com/backkem/coap/pkg/message"
)

// Outbox accepts outbound messages for the next stage down.
type Outbox interface {
	SendRequest(ex *exchange.Exchange, req *message.Request)
	SendResponse(ex *exchange.Exchange, resp *message.Response)
	SendEmptyMessage(ex *exchange.Exchange, msg *message.EmptyMessage)
}

// Inbox accepts inbound messages for the next stage up.
type Inbox interface {
	ReceiveRequest(ex *exchange.Exchange, req *message.Request)
	ReceiveResponse(ex *exchange.Exchange, resp *message.Response)
	ReceiveEmptyMessage(ex *exchange.Exchange, msg *message.EmptyMessage)
}

// Link connects a layer to its neighbours.
type Link struct {
	// Lower receives what the layer sends down.
	Lower Outbox
	// Upper receives what the layer delivers up.
	Upper Inbox
}

// Layer is one stage of the pipeline.
type Layer interface {
	Outbox
	Inbox

	// Bind connects the layer to its neighbours. Called once by New.
	Bind(link Link)
}

// Passthrough is a Layer that forwards everything unchanged.
type Passthrough struct {
	Link
}

// Bind stores the link.
func (p *Passthrough) Bind(link Link) {
	p.Link = link
}

// SendRequest forwards req down.
func (p *Passthrough) SendRequest(ex *exchange.Exchange, req *message.Request) {
	p.Lower.SendRequest(ex, req)
}

// SendResponse forwards resp down.
func (p *Passthrough) SendResponse(ex *exchange.Exchange, resp *message.Response) {
	p.Lower.SendResponse(ex, resp)
}

// SendEmptyMessage forwards msg down.
func (p *Passthrough) SendEmptyMessage(ex *exchange.Exchange, msg *message.EmptyMessage) {
	p.Lower.SendEmptyMessage(ex, msg)
}

// ReceiveRequest forwards req up.
func (p *Passthrough) ReceiveRequest(ex *exchange.Exchange, req *message.Request) {
	p.Upper.ReceiveRequest(ex, req)
}

// ReceiveResponse forwards resp up.
func (p *Passthrough) ReceiveResponse(ex *exchange.Exchange, resp *message.Response) {
	p.Upper.ReceiveResponse(ex, resp)
}

// ReceiveEmptyMessage forwards msg up.
func (p *Passthrough) ReceiveEmptyMessage(ex *exchange.Exchange, msg *message.EmptyMessage) {
	p.Upper.ReceiveEmptyMessage(ex, msg)
}

var _ Layer = (*Passthrough)(nil)
