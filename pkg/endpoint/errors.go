package endpoint

import "errors"

// Errors returned by the endpoint package.
var (
	// ErrTimeout is returned when a confirmable request exhausted its
	// retry budget without an answer.
	ErrTimeout = errors.New("endpoint: request timed out")

	// ErrRejected is returned when the peer answered a request with RST.
	ErrRejected = errors.New("endpoint: request rejected by peer")

	// ErrClosed is returned when the endpoint was stopped.
	ErrClosed = errors.New("endpoint: closed")

	// ErrNoDestination is returned for a request without a destination.
	ErrNoDestination = errors.New("endpoint: request has no destination")

	// ErrNoResponse is returned when an exchange completed without a response.
	ErrNoResponse = errors.New("endpoint: exchange completed without response")

	// ErrAlreadyResponded is returned when answering a request twice.
	ErrAlreadyResponded = errors.New("endpoint: request already answered")

	// ErrNotObserved is returned by Notify when the request registered no
	// observe relation.
	ErrNotObserved = errors.New("endpoint: no observe relation")
)
