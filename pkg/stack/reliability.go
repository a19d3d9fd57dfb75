package stack

import (
	"errors"
	"net"

	"github.com/backkem/coap/pkg/exchange"
	"github.com/backkem/coap/pkg/message"
	"github.com/pion/logging"
)

// ErrNoScheduler is returned when a reliability layer is built without a
// scheduler.
var ErrNoScheduler = errors.New("stack: reliability layer needs a scheduler")

// ReliabilityConfig configures a ReliabilityLayer.
type ReliabilityConfig struct {
	// Exchange holds the transmission parameters.
	Exchange exchange.Config

	// Scheduler runs retransmission tasks. Required; usually shared by
	// every endpoint in the process.
	Scheduler *exchange.Scheduler

	// Random drives the initial timeout. If nil, math/rand is used.
	Random exchange.RandomSource

	// OnNotificationTimeout is called with the peer address when a
	// confirmable observe notification exhausts its retry budget.
	OnNotificationTimeout func(peer net.Addr)

	// Metrics counts reliability events. Optional.
	Metrics *Metrics

	// LoggerFactory is the factory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// ReliabilityLayer retransmits confirmable messages until they are
// acknowledged, rejected, or the retry budget runs out, and answers
// duplicates without involving the layers above.
//
// The first transmission of a confirmable message arms a timer drawn from
// [AckTimeout, AckTimeout*AckRandomFactor); every retransmission doubles
// it. After MaxRetransmit retransmissions the exchange is marked timed out
// and no timer is re-armed.
type ReliabilityLayer struct {
	Passthrough

	config                exchange.Config
	backoff               *exchange.Backoff
	scheduler             *exchange.Scheduler
	onNotificationTimeout func(net.Addr)
	metrics               *Metrics
	log                   logging.LeveledLogger
}

// NewReliabilityLayer creates a reliability layer. Invalid parameters and a
// missing scheduler are reported here rather than per message.
func NewReliabilityLayer(config ReliabilityConfig) (*ReliabilityLayer, error) {
	if err := config.Exchange.Validate(); err != nil {
		return nil, err
	}
	if config.Scheduler == nil {
		return nil, ErrNoScheduler
	}

	l := &ReliabilityLayer{
		config:                config.Exchange,
		backoff:               exchange.NewBackoff(config.Exchange, config.Random),
		scheduler:             config.Scheduler,
		onNotificationTimeout: config.OnNotificationTimeout,
		metrics:               config.Metrics,
	}

	if config.LoggerFactory != nil {
		l.log = config.LoggerFactory.NewLogger("coap-reliability")
	}

	return l, nil
}

// SendRequest starts a new logical message: the transmission counter is
// reset before the request is sent.
func (l *ReliabilityLayer) SendRequest(ex *exchange.Exchange, req *message.Request) {
	ex.ResetTransmission()
	ex.SetCurrentRequest(req)
	l.metrics.transmission(message.KindRequest, req.Type)
	l.sendRequest(ex, req)
}

// SendResponse resets the transmission counter unless the response was
// marked as a continuation of the previous one, then sends it. Only
// confirmable responses arm a timer. A continuation that inherits a spent
// budget is not sent; the exchange times out instead.
func (l *ReliabilityLayer) SendResponse(ex *exchange.Exchange, resp *message.Response) {
	ex.ResetTransmissionUnlessContinued()
	ex.SetCurrentResponse(resp)
	if resp.IsConfirmable() && int(ex.TransmissionCount()) > l.config.MaxRetransmit {
		if l.log != nil {
			l.log.Debugf("%s continues a message with no retransmissions left", resp)
		}
		l.timeout(ex, resp)
		return
	}
	l.metrics.transmission(message.KindResponse, resp.Type)
	l.sendResponse(ex, resp)
}

// SendEmptyMessage forwards ACK and RST messages; they are never
// retransmitted.
func (l *ReliabilityLayer) SendEmptyMessage(ex *exchange.Exchange, msg *message.EmptyMessage) {
	l.metrics.transmission(message.KindEmpty, msg.Type)
	l.Lower.SendEmptyMessage(ex, msg)
}

func (l *ReliabilityLayer) sendRequest(ex *exchange.Exchange, req *message.Request) {
	l.arm(ex, &req.Message, exchange.ReplayRequest)
	l.Lower.SendRequest(ex, req)
}

func (l *ReliabilityLayer) sendResponse(ex *exchange.Exchange, resp *message.Response) {
	l.arm(ex, &resp.Message, exchange.ReplayResponse)
	l.Lower.SendResponse(ex, resp)
}

// arm makes the scheduling decision for a confirmable message and
// schedules its retransmission. Arming never cancels an older task.
func (l *ReliabilityLayer) arm(ex *exchange.Exchange, msg *message.Message, replay exchange.Replay) {
	if !msg.IsConfirmable() {
		return
	}

	timeout, count := ex.PrepareTransmission(l.backoff)
	if err := ex.Arm(l.scheduler, timeout, replay, l); err != nil {
		if l.log != nil {
			l.log.Errorf("cannot schedule retransmission of %s: %v", msg, err)
		}
		return
	}

	if l.log != nil {
		l.log.Tracef("%s transmission %d, next timeout %v", msg, count, timeout)
	}
}

// Dispatch runs a retransmission task whose timer fired.
func (l *ReliabilityLayer) Dispatch(id exchange.TaskID, task exchange.Task) {
	ex := task.Exchange
	if !ex.IsCurrentTask(id) {
		return
	}

	var msg *message.Message
	var req *message.Request
	var resp *message.Response
	switch task.Replay {
	case exchange.ReplayRequest:
		if req = ex.CurrentRequest(); req != nil {
			msg = &req.Message
		}
	case exchange.ReplayResponse:
		if resp = ex.CurrentResponse(); resp != nil {
			msg = &resp.Message
		}
	}
	if msg == nil {
		return
	}

	// The state may have changed after the timer fired but before the
	// task could be cancelled.
	if msg.IsAcknowledged() || msg.IsRejected() {
		if l.log != nil {
			l.log.Tracef("timer for %s fired after it was %s", msg, settledState(msg))
		}
		return
	}
	if msg.IsCancelled() {
		return
	}

	count := ex.TransmissionCount()
	if int(count) <= l.config.MaxRetransmit {
		if l.log != nil {
			l.log.Debugf("retransmitting %s to %v (retransmission %d of %d)", msg, ex.Peer(), count, l.config.MaxRetransmit)
		}
		if req != nil {
			l.metrics.retransmission(message.KindRequest)
			l.sendRequest(ex, req)
		} else {
			l.metrics.retransmission(message.KindResponse)
			l.sendResponse(ex, resp)
		}
		return
	}

	l.timeout(ex, resp)
}

// timeout ends an exchange whose retry budget is exhausted. resp is the
// response that timed out, or nil for a request.
func (l *ReliabilityLayer) timeout(ex *exchange.Exchange, resp *message.Response) {
	if !ex.SetTimedOut() {
		return
	}
	l.metrics.timeout()

	if l.log != nil {
		l.log.Infof("%v timed out after %d transmissions", ex, ex.TransmissionCount())
	}

	if resp != nil && resp.IsNotification() && l.onNotificationTimeout != nil {
		l.onNotificationTimeout(ex.Peer())
	}
}

// ReceiveRequest answers duplicates from the exchange's existing state and
// forwards everything else.
//
// A duplicate gets the response already sent, or a bare ACK or RST if the
// original request was acknowledged or rejected. If the application has not
// reacted to the original yet the duplicate is dropped.
func (l *ReliabilityLayer) ReceiveRequest(ex *exchange.Exchange, req *message.Request) {
	if !req.IsDuplicate() {
		l.Upper.ReceiveRequest(ex, req)
		return
	}
	l.metrics.duplicate(message.KindRequest)

	original := ex.CurrentRequest()
	switch resp := ex.CurrentResponse(); {
	case resp != nil:
		if l.log != nil {
			l.log.Debugf("duplicate %s, resending %s", req, resp)
		}
		ex.CancelRetransmission()
		l.SendResponse(ex, resp)
	case original != nil && original.IsAcknowledged():
		if l.log != nil {
			l.log.Debugf("duplicate %s, resending ACK", req)
		}
		l.Lower.SendEmptyMessage(ex, message.NewACK(&req.Message))
	case original != nil && original.IsRejected():
		if l.log != nil {
			l.log.Debugf("duplicate %s, resending RST", req)
		}
		l.Lower.SendEmptyMessage(ex, message.NewRST(&req.Message))
	default:
		if l.log != nil {
			l.log.Debugf("duplicate %s while the original is still being processed, dropping", req)
		}
	}
}

// ReceiveResponse settles the request of a locally originated exchange and
// acknowledges confirmable responses. Duplicates are acknowledged and
// dropped.
func (l *ReliabilityLayer) ReceiveResponse(ex *exchange.Exchange, resp *message.Response) {
	if ex.IsFromLocal() {
		if req := ex.CurrentRequest(); req != nil {
			req.SetAcknowledged()
		}
		if ex.CancelRetransmission() {
			l.metrics.cancellation(resp.Type)
		}
	}

	if resp.IsDuplicate() {
		l.metrics.duplicate(message.KindResponse)
		if l.log != nil {
			l.log.Debugf("duplicate %s, acknowledging and dropping", resp)
		}
		l.Lower.SendEmptyMessage(ex, message.NewACK(&resp.Message))
		return
	}

	if resp.IsConfirmable() {
		resp.SetAcknowledged()
		l.Lower.SendEmptyMessage(ex, message.NewACK(&resp.Message))
	}

	ex.SetCurrentResponse(resp)
	l.Upper.ReceiveResponse(ex, resp)
}

// ReceiveEmptyMessage applies an ACK or RST to the message it answers:
// the request for a locally originated exchange, the response otherwise.
// The pending retransmission is cancelled and the message forwarded. An
// ACK or RST for a message that was since replaced is ignored.
func (l *ReliabilityLayer) ReceiveEmptyMessage(ex *exchange.Exchange, msg *message.EmptyMessage) {
	if msg.Type != message.Acknowledgement && msg.Type != message.Reset {
		if l.log != nil {
			l.log.Warnf("ignoring empty message of type %s from %v", msg.Type, msg.Source)
		}
		return
	}

	var target *message.Message
	if ex.IsFromLocal() {
		if req := ex.CurrentRequest(); req != nil {
			target = &req.Message
		}
	} else if resp := ex.CurrentResponse(); resp != nil {
		target = &resp.Message
	}

	if target != nil {
		if target.MID != msg.MID {
			// A late ACK or RST for a notification that was since replaced
			// carries the old MID and must not settle the replacement.
			if l.log != nil {
				l.log.Debugf("%s does not match current %s, ignoring", msg, target)
			}
			return
		}
		if msg.Type == message.Acknowledgement {
			if !target.SetAcknowledged() && l.log != nil {
				l.log.Debugf("ACK for %s which was already rejected", target)
			}
		} else if !target.SetRejected() && l.log != nil {
			l.log.Debugf("RST for %s which was already acknowledged", target)
		}
	}

	if ex.CancelRetransmission() {
		l.metrics.cancellation(msg.Type)
	}
	l.Upper.ReceiveEmptyMessage(ex, msg)
}

func settledState(m *message.Message) string {
	if m.IsRejected() {
		return "rejected"
	}
	return "acknowledged"
}

var (
	_ Layer               = (*ReliabilityLayer)(nil)
	_ exchange.Dispatcher = (*ReliabilityLayer)(nil)
)
