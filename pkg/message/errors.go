package message

import "errors"

// Message layer errors.
var (
	// Decoding errors
	ErrMessageTooShort  = errors.New("message: data too short")
	ErrInvalidVersion   = errors.New("message: invalid version (must be 1)")
	ErrInvalidTokenLen  = errors.New("message: invalid token length")
	ErrInvalidOption    = errors.New("message: invalid option encoding")
	ErrInvalidCode      = errors.New("message: code is neither request, response nor empty")
	ErrEmptyWithPayload = errors.New("message: empty message must not carry token, options or payload")
	ErrMissingPayload   = errors.New("message: payload marker followed by no payload")

	// Encoding errors
	ErrTokenTooLong   = errors.New("message: token longer than 8 bytes")
	ErrInvalidType    = errors.New("message: invalid type")
	ErrOptionTooLarge = errors.New("message: option value too large")
)
