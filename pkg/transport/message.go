package transport

import "net"

// ReceivedMessage represents an incoming datagram.
// The Data field contains the raw bytes as received from the wire; higher
// layers are responsible for decoding.
type ReceivedMessage struct {
	// Data contains the raw message bytes.
	Data []byte
	// Peer identifies the source of the message.
	Peer net.Addr
}

// MessageHandler is called for each received message.
// Implementations should process messages quickly or dispatch to a goroutine
// to avoid blocking the transport's read loop.
type MessageHandler func(msg *ReceivedMessage)
