package transport

import "errors"

var (
	// ErrClosed is returned by Start, Stop and Send once the transport
	// has been stopped.
	ErrClosed = errors.New("transport: closed")

	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("transport: already started")

	// ErrNoHandler means UDPConfig has no MessageHandler.
	ErrNoHandler = errors.New("transport: no message handler")

	// ErrNoConn means UDPConfig has neither a Conn nor a ListenAddr.
	ErrNoConn = errors.New("transport: no conn or listen address")

	// ErrInvalidAddress is returned when sending to a nil peer.
	ErrInvalidAddress = errors.New("transport: no destination address")

	// ErrMessageTooLarge is returned for datagrams above
	// message.MaxMessageSize.
	ErrMessageTooLarge = errors.New("transport: datagram exceeds maximum message size")
)
