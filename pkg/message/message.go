// Package message defines the CoAP message model used by the reliability
// layer: the common Message carrier with its delivery-state flags, and the
// Request, Response and EmptyMessage specializations.
//
// A Message must not be copied after first use; pass pointers.
package message

import (
	"fmt"
	"net"
	"sync/atomic"
)

// delivery states. A message moves from pending to exactly one of the
// terminal states and never back.
const (
	statePending int32 = iota
	stateAcknowledged
	stateRejected
)

// Message is the protocol unit exchanged between peers.
type Message struct {
	// Type is the reliability mode.
	Type Type

	// Code is the method, response code, or 0.00 for empty messages.
	Code Code

	// MID is the message ID used for duplicate detection and ACK/RST matching.
	MID uint16

	// Token correlates a response with its request.
	Token []byte

	// Options carries the message options.
	Options Options

	// Payload is the message body.
	Payload []byte

	// Source is the peer the message was received from (inbound only).
	Source net.Addr

	// Destination is the peer the message is sent to (outbound only).
	Destination net.Addr

	state     atomic.Int32
	cancelled atomic.Bool
	duplicate atomic.Bool
}

// IsConfirmable reports whether the message is CON.
func (m *Message) IsConfirmable() bool {
	return m.Type == Confirmable
}

// IsAcknowledged reports whether an ACK has been seen (or sent) for the message.
func (m *Message) IsAcknowledged() bool {
	return m.state.Load() == stateAcknowledged
}

// SetAcknowledged marks the message acknowledged. It returns false if the
// message was already rejected; acknowledging twice is not an error.
func (m *Message) SetAcknowledged() bool {
	if m.state.CompareAndSwap(statePending, stateAcknowledged) {
		return true
	}
	return m.state.Load() == stateAcknowledged
}

// IsRejected reports whether a RST has been seen (or sent) for the message.
func (m *Message) IsRejected() bool {
	return m.state.Load() == stateRejected
}

// SetRejected marks the message rejected. It returns false if the message
// was already acknowledged.
func (m *Message) SetRejected() bool {
	if m.state.CompareAndSwap(statePending, stateRejected) {
		return true
	}
	return m.state.Load() == stateRejected
}

// IsCancelled reports whether the message was cancelled.
func (m *Message) IsCancelled() bool {
	return m.cancelled.Load()
}

// Cancel marks the message cancelled. A cancelled message is neither sent
// nor delivered, and its retransmissions stop.
func (m *Message) Cancel() {
	m.cancelled.Store(true)
}

// IsDuplicate reports whether the matcher recognized the message as a duplicate.
func (m *Message) IsDuplicate() bool {
	return m.duplicate.Load()
}

// SetDuplicate is called by the matcher.
func (m *Message) SetDuplicate(duplicate bool) {
	m.duplicate.Store(duplicate)
}

// Peer returns the destination for outbound messages and the source for
// inbound ones.
func (m *Message) Peer() net.Addr {
	if m.Destination != nil {
		return m.Destination
	}
	return m.Source
}

// String returns a compact description for logs.
func (m *Message) String() string {
	return fmt.Sprintf("%s-%s MID=%d token=%x", m.Type, m.Code, m.MID, m.Token)
}

// Request is a message carrying a method code.
type Request struct {
	Message
}

// NewRequest creates a request with the given method and type.
func NewRequest(method Code, typ Type) *Request {
	r := &Request{}
	r.Code = method
	r.Type = typ
	return r
}

// NewGet creates a confirmable GET request for path.
func NewGet(path string) *Request {
	r := NewRequest(GET, Confirmable)
	r.Options.SetPath(path)
	return r
}

// IsObserve reports whether the request registers an observe relation
// (Observe option present with value 0).
func (r *Request) IsObserve() bool {
	v, ok := r.Options.Observe()
	return ok && v == 0
}

// SetObserve marks the request as an observe registration.
func (r *Request) SetObserve() {
	r.Options.SetObserve(0)
}

// Response is a message carrying a response code.
type Response struct {
	Message

	// request is the request this response answers. Used for correlation
	// only; its lifetime is owned by the caller that sent it.
	request *Request
}

// NewResponse creates a response with the given code. The type is assigned
// when the response is sent.
func NewResponse(code Code) *Response {
	r := &Response{}
	r.Code = code
	return r
}

// Request returns the request this response answers, if known.
func (r *Response) Request() *Request {
	return r.request
}

// SetRequest records the request this response answers.
func (r *Response) SetRequest(req *Request) {
	r.request = req
}

// IsNotification reports whether the response is an observe notification.
func (r *Response) IsNotification() bool {
	return r.Options.Has(OptionObserve)
}

// EmptyMessage is a message with code 0.00, used as ACK or RST carrier.
type EmptyMessage struct {
	Message
}

// NewACK creates an empty acknowledgement for m.
func NewACK(m *Message) *EmptyMessage {
	return newEmpty(Acknowledgement, m)
}

// NewRST creates an empty reset for m.
func NewRST(m *Message) *EmptyMessage {
	return newEmpty(Reset, m)
}

func newEmpty(typ Type, m *Message) *EmptyMessage {
	e := &EmptyMessage{}
	e.Type = typ
	e.Code = CodeEmpty
	e.MID = m.MID
	e.Destination = m.Source
	return e
}
