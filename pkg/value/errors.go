package value

import "errors"

var (
	// ErrInvalid indicates a zero Value where a payload is required
	ErrInvalid = errors.New("value: invalid value")

	// ErrUnsupported indicates a Go type with no Value kind
	ErrUnsupported = errors.New("value: unsupported type")

	// ErrMalformed indicates an encoded value that cannot be decoded
	ErrMalformed = errors.New("value: malformed encoding")
)
