package endpoint

import (
	"net"
	"sync"

	"github.com/backkem/coap/pkg/exchange"
	"github.com/backkem/coap/pkg/message"
	"github.com/backkem/coap/pkg/observe"
)

// Handler serves inbound requests. ServeCoAP runs on its own goroutine and
// must answer through the ServerExchange.
type Handler interface {
	ServeCoAP(se *ServerExchange)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(se *ServerExchange)

// ServeCoAP calls f(se).
func (f HandlerFunc) ServeCoAP(se *ServerExchange) {
	f(se)
}

// NotFoundHandler answers every request with 4.04.
func NotFoundHandler() Handler {
	return HandlerFunc(func(se *ServerExchange) {
		_ = se.Respond(message.NewResponse(message.NotFound))
	})
}

// ServerExchange is the handler's view of one inbound request.
//
// The response type follows the request: a NON request gets a NON response,
// a CON request gets a piggybacked response in the ACK unless Accept was
// called first, in which case the response is a separate CON message.
type ServerExchange struct {
	e   *Endpoint
	ex  *exchange.Exchange
	req *message.Request

	mu        sync.Mutex
	accepted  bool
	responded bool
	relation  *observe.Relation
}

func newServerExchange(e *Endpoint, ex *exchange.Exchange, req *message.Request) *ServerExchange {
	return &ServerExchange{e: e, ex: ex, req: req}
}

// Request returns the request being served.
func (s *ServerExchange) Request() *message.Request {
	return s.req
}

// Peer returns the requester's address.
func (s *ServerExchange) Peer() net.Addr {
	return s.req.Source
}

// Exchange returns the underlying exchange.
func (s *ServerExchange) Exchange() *exchange.Exchange {
	return s.ex
}

// Relation returns the observe relation the response established, if any.
func (s *ServerExchange) Relation() *observe.Relation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.relation
}

// Accept acknowledges a CON request with an empty ACK so the peer stops
// retransmitting while the response is prepared. It is a no-op for NON
// requests and after the first call.
func (s *ServerExchange) Accept() {
	s.mu.Lock()
	if s.accepted || s.responded || s.req.Type != message.Confirmable {
		s.mu.Unlock()
		return
	}
	s.accepted = true
	s.mu.Unlock()

	s.req.SetAcknowledged()
	s.e.stack.SendEmptyMessage(s.ex, message.NewACK(&s.req.Message))
}

// Respond sends resp as the answer to the request. A successful response
// to an observe registration establishes a relation.
func (s *ServerExchange) Respond(resp *message.Response) error {
	if s.e.isClosed() {
		return ErrClosed
	}

	s.mu.Lock()
	if s.responded {
		s.mu.Unlock()
		return ErrAlreadyResponded
	}
	s.responded = true
	accepted := s.accepted
	s.mu.Unlock()

	req := s.req
	resp.Token = req.Token
	resp.Destination = req.Source
	resp.SetRequest(req)

	switch {
	case req.Type == message.NonConfirmable:
		resp.Type = message.NonConfirmable
		resp.MID = s.e.nextMID()
	case !accepted:
		resp.Type = message.Acknowledgement
		resp.MID = req.MID
	default:
		resp.Type = message.Confirmable
		resp.MID = s.e.nextMID()
	}

	var rel *observe.Relation
	if req.Code == message.GET && req.IsObserve() && resp.Code.Class() == 2 {
		rel = &observe.Relation{
			Peer:     req.Source,
			Token:    req.Token,
			Resource: req.Options.Path(),
			Exchange: s.ex,
		}
		resp.Options.SetObserve(rel.NextSequence())
		s.mu.Lock()
		s.relation = rel
		s.mu.Unlock()
		s.e.relations.Add(rel)
	}

	s.e.stack.SendResponse(s.ex, resp)
	if resp.Type == message.Acknowledgement {
		// The response must be current before the request counts as
		// acknowledged, or a duplicate would get an empty ACK.
		req.SetAcknowledged()
	}

	if rel == nil && resp.Type != message.Confirmable {
		s.e.finish(s.ex)
	}
	return nil
}

// Reject answers the request with RST.
func (s *ServerExchange) Reject() error {
	s.mu.Lock()
	if s.responded {
		s.mu.Unlock()
		return ErrAlreadyResponded
	}
	s.responded = true
	s.mu.Unlock()

	s.req.SetRejected()
	s.e.stack.SendEmptyMessage(s.ex, message.NewRST(&s.req.Message))
	s.e.finish(s.ex)
	return nil
}

// Notify sends a notification on the relation this exchange established.
func (s *ServerExchange) Notify(resp *message.Response) error {
	rel := s.Relation()
	if rel == nil {
		return ErrNotObserved
	}
	return s.e.Notify(rel, resp)
}

func (e *Endpoint) serve(se *ServerExchange) {
	if e.log != nil {
		e.log.Tracef("serving %s from %v", se.req, se.Peer())
	}
	e.handler.ServeCoAP(se)

	se.mu.Lock()
	answered := se.responded || se.accepted
	se.mu.Unlock()
	if !answered && e.log != nil {
		e.log.Debugf("handler left %s from %v unanswered", se.req, se.Peer())
	}
}
