package message

import (
	"encoding/binary"
)

// Wire constants (RFC 7252 Section 3).
const (
	// Version is the only protocol version this codec speaks.
	Version = 1

	// MaxTokenLength is the largest token allowed on the wire.
	MaxTokenLength = 8

	// MaxMessageSize is the recommended upper bound for a datagram
	// (RFC 7252 Section 4.6).
	MaxMessageSize = 1152

	headerSize    = 4
	payloadMarker = 0xFF
)

// Decoded is the result of Decode. Exactly one of Request, Response and
// Empty is non-nil, as indicated by Kind.
type Decoded struct {
	Kind     Kind
	Request  *Request
	Response *Response
	Empty    *EmptyMessage
}

// Message returns the embedded base message of whichever variant is set.
func (d Decoded) Message() *Message {
	switch d.Kind {
	case KindRequest:
		return &d.Request.Message
	case KindResponse:
		return &d.Response.Message
	case KindEmpty:
		return &d.Empty.Message
	default:
		return nil
	}
}

// Encode serializes m into a datagram.
func Encode(m *Message) ([]byte, error) {
	if !m.Type.IsValid() {
		return nil, ErrInvalidType
	}
	if len(m.Token) > MaxTokenLength {
		return nil, ErrTokenTooLong
	}

	buf := make([]byte, headerSize, headerSize+len(m.Token)+len(m.Payload)+16)
	buf[0] = Version<<6 | uint8(m.Type)<<4 | uint8(len(m.Token))
	buf[1] = uint8(m.Code)
	binary.BigEndian.PutUint16(buf[2:], m.MID)
	buf = append(buf, m.Token...)

	var prev OptionID
	for _, opt := range m.Options.sorted() {
		var err error
		buf, err = appendOption(buf, uint32(opt.ID-prev), opt.Value)
		if err != nil {
			return nil, err
		}
		prev = opt.ID
	}

	if len(m.Payload) > 0 {
		buf = append(buf, payloadMarker)
		buf = append(buf, m.Payload...)
	}
	return buf, nil
}

// Decode parses a datagram into a request, response or empty message.
func Decode(data []byte) (Decoded, error) {
	if len(data) < headerSize {
		return Decoded{}, ErrMessageTooShort
	}
	if data[0]>>6 != Version {
		return Decoded{}, ErrInvalidVersion
	}

	code := Code(data[1])
	var d Decoded
	var m *Message
	switch d.Kind = KindOf(code); d.Kind {
	case KindRequest:
		d.Request = &Request{}
		m = &d.Request.Message
	case KindResponse:
		d.Response = &Response{}
		m = &d.Response.Message
	case KindEmpty:
		d.Empty = &EmptyMessage{}
		m = &d.Empty.Message
	default:
		return Decoded{}, ErrInvalidCode
	}

	if err := decodeInto(m, data); err != nil {
		return Decoded{}, err
	}
	if d.Kind == KindEmpty && (len(m.Token) > 0 || len(m.Options) > 0 || len(m.Payload) > 0) {
		return Decoded{}, ErrEmptyWithPayload
	}
	return d, nil
}

func decodeInto(m *Message, data []byte) error {
	tkl := int(data[0] & 0x0F)
	if tkl > MaxTokenLength {
		return ErrInvalidTokenLen
	}
	m.Type = Type(data[0]>>4&0x03)
	m.Code = Code(data[1])
	m.MID = binary.BigEndian.Uint16(data[2:])

	rest := data[headerSize:]
	if len(rest) < tkl {
		return ErrMessageTooShort
	}
	if tkl > 0 {
		m.Token = append([]byte(nil), rest[:tkl]...)
	}
	rest = rest[tkl:]

	var id uint32
	for len(rest) > 0 {
		if rest[0] == payloadMarker {
			if len(rest) == 1 {
				return ErrMissingPayload
			}
			m.Payload = append([]byte(nil), rest[1:]...)
			return nil
		}

		delta, length, n, err := readOptionHeader(rest)
		if err != nil {
			return err
		}
		rest = rest[n:]
		if len(rest) < int(length) {
			return ErrInvalidOption
		}
		id += delta
		if id > 0xFFFF {
			return ErrInvalidOption
		}
		m.Options.Add(OptionID(id), append([]byte(nil), rest[:length]...))
		rest = rest[length:]
	}
	return nil
}

// appendOption writes one option using the delta/length nibble scheme.
func appendOption(buf []byte, delta uint32, value []byte) ([]byte, error) {
	if len(value) > 0xFFFF+269 {
		return nil, ErrOptionTooLarge
	}
	dn, dext := nibble(delta)
	ln, lext := nibble(uint32(len(value)))
	buf = append(buf, dn<<4|ln)
	buf = append(buf, dext...)
	buf = append(buf, lext...)
	return append(buf, value...), nil
}

func nibble(v uint32) (uint8, []byte) {
	switch {
	case v < 13:
		return uint8(v), nil
	case v < 269:
		return 13, []byte{uint8(v - 13)}
	default:
		ext := make([]byte, 2)
		binary.BigEndian.PutUint16(ext, uint16(v-269))
		return 14, ext
	}
}

func readOptionHeader(b []byte) (delta, length uint32, n int, err error) {
	dn := uint32(b[0] >> 4)
	ln := uint32(b[0] & 0x0F)
	n = 1

	delta, n, err = extend(b, dn, n)
	if err != nil {
		return 0, 0, 0, err
	}
	length, n, err = extend(b, ln, n)
	if err != nil {
		return 0, 0, 0, err
	}
	return delta, length, n, nil
}

func extend(b []byte, v uint32, n int) (uint32, int, error) {
	switch v {
	case 13:
		if len(b) < n+1 {
			return 0, 0, ErrInvalidOption
		}
		return uint32(b[n]) + 13, n + 1, nil
	case 14:
		if len(b) < n+2 {
			return 0, 0, ErrInvalidOption
		}
		return uint32(binary.BigEndian.Uint16(b[n:])) + 269, n + 2, nil
	case 15:
		return 0, 0, ErrInvalidOption
	default:
		return v, n, nil
	}
}
