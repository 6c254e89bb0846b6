package msg

import "errors"

var (
	// ErrUnknownKind indicates that a wire envelope carried a Kind value
	// outside the closed set this package defines.
	ErrUnknownKind = errors.New("msg: unknown message kind")

	// ErrCountOutOfRange indicates a ReadMultiRequest whose Count field
	// falls outside [1, 256].
	ErrCountOutOfRange = errors.New("msg: read_multi count out of range [1, 256]")
)
