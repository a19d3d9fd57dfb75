// Package exchange implements the per-conversation state of the CoAP
// reliability layer and the timer facility that drives retransmissions.
//
// An Exchange tracks one request/response conversation with a peer: the
// request and response currently under negotiation, the transmission
// counter and back-off timeout of the message being retransmitted, and the
// single pending retransmission task. All mutations go through one mutex
// per exchange.
//
// The Scheduler is shared by all exchanges. Scheduled tasks are stored in
// an arena keyed by TaskID; the timer callback only carries the ID, and
// the task itself is a tagged replay action (retransmit request or
// retransmit response) dispatched to a Dispatcher.
//
// References:
//   - RFC 7252 Section 4.2: Messages Transmitted Reliably
//   - RFC 7252 Section 4.5: Message Deduplication
package exchange

// Origin indicates which endpoint initiated an exchange.
//
// The origin decides which message an incoming ACK or RST applies to: for
// a locally originated exchange it is the request we sent, for a remotely
// originated one it is the response we sent back.
type Origin int

const (
	// OriginUnknown indicates an uninitialized origin.
	OriginUnknown Origin = iota

	// OriginLocal marks an exchange created by sending a request.
	OriginLocal

	// OriginRemote marks an exchange created by receiving a request.
	OriginRemote
)

// String returns a human-readable name for the origin.
func (o Origin) String() string {
	switch o {
	case OriginLocal:
		return "Local"
	case OriginRemote:
		return "Remote"
	default:
		return "Unknown"
	}
}

// IsValid returns true if the origin is a defined value.
func (o Origin) IsValid() bool {
	return o == OriginLocal || o == OriginRemote
}

// Replay is the action a retransmission task performs when its timer fires.
type Replay int

const (
	// ReplayNone is the zero value; a task with it does nothing.
	ReplayNone Replay = iota

	// ReplayRequest resends the exchange's current request.
	ReplayRequest

	// ReplayResponse resends the exchange's current response.
	ReplayResponse
)

// String returns a human-readable name for the replay action.
func (r Replay) String() string {
	switch r {
	case ReplayRequest:
		return "ReplayRequest"
	case ReplayResponse:
		return "ReplayResponse"
	default:
		return "ReplayNone"
	}
}
