package message

import "fmt"

// Type is the reliability mode of a message (RFC 7252 Section 4.2/4.3).
type Type uint8

const (
	// Confirmable messages require an Acknowledgement or a Reset.
	Confirmable Type = iota
	// NonConfirmable messages are sent without reliability.
	NonConfirmable
	// Acknowledgement confirms receipt of a Confirmable message.
	Acknowledgement
	// Reset signals that a message was received but could not be processed.
	Reset
)

// String returns the short protocol name of the type.
func (t Type) String() string {
	switch t {
	case Confirmable:
		return "CON"
	case NonConfirmable:
		return "NON"
	case Acknowledgement:
		return "ACK"
	case Reset:
		return "RST"
	default:
		return fmt.Sprintf("Type(%d)", uint8(t))
	}
}

// IsValid returns true if the type is one of the four defined modes.
func (t Type) IsValid() bool {
	return t <= Reset
}

// Code is the 8-bit request method or response code, split into a 3-bit
// class and a 5-bit detail ("c.dd").
type Code uint8

// Method and response codes used by this package.
const (
	CodeEmpty Code = 0x00

	GET    Code = 0x01
	POST   Code = 0x02
	PUT    Code = 0x03
	DELETE Code = 0x04

	Created              Code = 0x41 // 2.01
	Deleted              Code = 0x42 // 2.02
	Valid                Code = 0x43 // 2.03
	Changed              Code = 0x44 // 2.04
	Content              Code = 0x45 // 2.05
	BadRequest           Code = 0x80 // 4.00
	NotFound             Code = 0x84 // 4.04
	MethodNotAllowed     Code = 0x85 // 4.05
	InternalServerError  Code = 0xA0 // 5.00
	ServiceUnavailable   Code = 0xA3 // 5.03
	GatewayTimeout       Code = 0xA4 // 5.04
	ProxyingNotSupported Code = 0xA5 // 5.05
)

// NewCode builds a code from its class and detail.
func NewCode(class, detail uint8) Code {
	return Code(class<<5 | detail&0x1F)
}

// Class returns the 3-bit class of the code.
func (c Code) Class() uint8 {
	return uint8(c) >> 5
}

// Detail returns the 5-bit detail of the code.
func (c Code) Detail() uint8 {
	return uint8(c) & 0x1F
}

// IsEmpty reports whether the code is 0.00.
func (c Code) IsEmpty() bool {
	return c == CodeEmpty
}

// IsRequest reports whether the code is a request method (0.01-0.31).
func (c Code) IsRequest() bool {
	return c.Class() == 0 && c != CodeEmpty
}

// IsResponse reports whether the code is a response code (2.xx-5.xx).
func (c Code) IsResponse() bool {
	return c.Class() >= 2 && c.Class() <= 5
}

// String returns the dotted "c.dd" representation, or the method name.
func (c Code) String() string {
	switch c {
	case CodeEmpty:
		return "Empty"
	case GET:
		return "GET"
	case POST:
		return "POST"
	case PUT:
		return "PUT"
	case DELETE:
		return "DELETE"
	}
	return fmt.Sprintf("%d.%02d", c.Class(), c.Detail())
}

// Kind classifies a message by its code.
type Kind int

const (
	KindUnknown Kind = iota
	KindRequest
	KindResponse
	KindEmpty
)

// String returns a human-readable name for the kind.
func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "Request"
	case KindResponse:
		return "Response"
	case KindEmpty:
		return "Empty"
	default:
		return "Unknown"
	}
}

// KindOf classifies a code.
func KindOf(c Code) Kind {
	switch {
	case c.IsEmpty():
		return KindEmpty
	case c.IsRequest():
		return KindRequest
	case c.IsResponse():
		return KindResponse
	default:
		return KindUnknown
	}
}
