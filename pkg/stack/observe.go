package stack

import (
	"github.com/backkem/coap/pkg/exchange"
	"github.com/backkem/coap/pkg/message"
	"github.com/pion/logging"
)

// RelationCanceller removes the observe relation bound to an exchange.
type RelationCanceller interface {
	CancelRelation(ex *exchange.Exchange) bool
}

// ObserveLayer sits above the reliability layer and keeps notification
// traffic of one relation in a single retransmission stream.
//
// When a new notification is sent while the previous confirmable one is
// still unacknowledged, the old one is cancelled and the new one is sent
// as its continuation: it is made confirmable and inherits the transmission
// counter and timeout, so both share one retry budget. An inbound RST for a
// notification cancels the relation.
type ObserveLayer struct {
	Passthrough

	relations RelationCanceller
	log       logging.LeveledLogger
}

// NewObserveLayer creates an observe layer. relations may be nil when the
// endpoint serves no observable resources.
func NewObserveLayer(relations RelationCanceller, loggerFactory logging.LoggerFactory) *ObserveLayer {
	l := &ObserveLayer{relations: relations}
	if loggerFactory != nil {
		l.log = loggerFactory.NewLogger("coap-observe")
	}
	return l
}

// SendResponse replaces an in-flight confirmable notification with resp.
func (l *ObserveLayer) SendResponse(ex *exchange.Exchange, resp *message.Response) {
	if resp.IsNotification() {
		prev := ex.CurrentResponse()
		if prev != nil && prev != resp && inTransit(prev) && ex.PendingReplay() == exchange.ReplayResponse {
			ex.CancelRetransmission()
			prev.Cancel()
			ex.ContinueTransmission()
			resp.Type = message.Confirmable

			if l.log != nil {
				l.log.Debugf("%s replaces unacknowledged %s", resp, prev)
			}
		}
	}
	l.Lower.SendResponse(ex, resp)
}

// ReceiveEmptyMessage cancels the relation of a notification the peer
// rejected.
func (l *ObserveLayer) ReceiveEmptyMessage(ex *exchange.Exchange, msg *message.EmptyMessage) {
	if msg.Type == message.Reset && !ex.IsFromLocal() && l.relations != nil {
		if resp := ex.CurrentResponse(); resp != nil && resp.IsNotification() {
			if l.relations.CancelRelation(ex) && l.log != nil {
				l.log.Debugf("%v rejected %s, relation cancelled", ex.Peer(), resp)
			}
		}
	}
	l.Upper.ReceiveEmptyMessage(ex, msg)
}

// inTransit reports whether a confirmable notification still waits for
// its ACK.
func inTransit(resp *message.Response) bool {
	return resp.IsNotification() &&
		resp.IsConfirmable() &&
		!resp.IsAcknowledged() &&
		!resp.IsRejected() &&
		!resp.IsCancelled()
}

var _ Layer = (*ObserveLayer)(nil)
