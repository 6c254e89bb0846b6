package mrclink

import "errors"

var (
	// ErrBusy indicates a caller attempted a second Framed Byte Link
	// operation while one was already in flight. This is a programmer-bug
	// condition; correct use never triggers it.
	ErrBusy = errors.New("mrclink: link busy")

	// errWriteTimeout is returned internally by serialTransport.Write when
	// the write did not complete within its inter-character timeout.
	errWriteTimeout = errors.New("mrclink: serial write timed out")

	// ErrUnsupportedCommand indicates BuildCommand was asked to render a
	// Message that is not one of the MRC-bound request variants.
	ErrUnsupportedCommand = errors.New("mrclink: message is not an MRC-bound request")
)
