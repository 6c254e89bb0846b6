package mrclink

import (
	"context"
	"errors"
	"net"
	"regexp"
	"sync/atomic"

	"github.com/mrc-gateway/mrcgw/msg"
)

// promptRegexp matches the MRC command prompt at the end of a line.
var promptRegexp = regexp.MustCompile(`^mrc-1>`)

// ByteLink wraps a Transport with the MRC's character-timed read/write
// semantics: writes fail on a per-byte timeout, reads treat a per-byte
// timeout as end-of-burst rather than an error, and ReadUntilPrompt reads
// until the accumulated lines end with the MRC prompt, bounded by a single
// overall deadline.
//
// Not goroutine-safe beyond the busy guard: only one of Write/Read/
// ReadUntilPrompt may be in flight at a time, matching the half-duplex
// nature of the link.
type ByteLink struct {
	transport Transport
	busy      atomic.Bool
}

// NewByteLink wraps an already-open Transport.
func NewByteLink(t Transport) *ByteLink {
	return &ByteLink{transport: t}
}

func (bl *ByteLink) acquire() error {
	if !bl.busy.CompareAndSwap(false, true) {
		return ErrBusy
	}
	return nil
}

func (bl *ByteLink) release() {
	bl.busy.Store(false)
}

// Write sends data one byte at a time. Each byte must complete within the
// transport's write timeout; a timeout mid-write reports CommTimeout with
// the count of bytes successfully written so far, a transport error reports
// CommError likewise.
func (bl *ByteLink) Write(ctx context.Context, data []byte) (int, error) {
	if err := bl.acquire(); err != nil {
		return 0, err
	}
	defer bl.release()

	for i, b := range data {
		select {
		case <-ctx.Done():
			return i, newCommError(msg.ErrCommTimeout, ctx.Err())
		default:
		}

		if _, err := bl.transport.Write([]byte{b}); err != nil {
			if isTimeout(err) {
				return i, newCommError(msg.ErrCommTimeout, err)
			}
			return i, newCommError(msg.ErrCommError, err)
		}
	}

	return len(data), nil
}

// Read accumulates bytes one at a time until a per-byte timeout marks the
// end of a burst (not an error) or the transport errors out.
func (bl *ByteLink) Read(ctx context.Context) ([]byte, error) {
	if err := bl.acquire(); err != nil {
		return nil, err
	}
	defer bl.release()

	var buf []byte
	one := make([]byte, 1)

	for {
		select {
		case <-ctx.Done():
			return buf, nil
		default:
		}

		n, err := bl.transport.Read(one)
		if n > 0 {
			buf = append(buf, one[0])
		}
		if err != nil {
			if isTimeout(err) {
				return buf, nil
			}
			return buf, newCommError(msg.ErrCommError, err)
		}
	}
}

// ReadUntilPrompt reads until the accumulated output ends, at a line
// boundary, with the MRC prompt `mrc-1>`, bounded by ctx's deadline
// (the caller supplies a context derived from read_until_prompt_timeout,
// 500ms by default).
func (bl *ByteLink) ReadUntilPrompt(ctx context.Context) ([]byte, error) {
	if err := bl.acquire(); err != nil {
		return nil, err
	}
	defer bl.release()

	var buf []byte
	one := make([]byte, 1)

	for {
		select {
		case <-ctx.Done():
			return buf, newCommError(msg.ErrCommTimeout, ctx.Err())
		default:
		}

		n, err := bl.transport.Read(one)
		if n > 0 {
			buf = append(buf, one[0])
			if endsWithPrompt(buf) {
				return buf, nil
			}
		}
		if err != nil && !isTimeout(err) {
			return buf, newCommError(msg.ErrCommError, err)
		}
	}
}

// endsWithPrompt reports whether the last non-empty line of buf matches
// the prompt regexp.
func endsWithPrompt(buf []byte) bool {
	lines := splitLines(buf)
	for i := len(lines) - 1; i >= 0; i-- {
		if lines[i] == "" {
			continue
		}
		return promptRegexp.MatchString(lines[i])
	}
	return false
}

// isTimeout reports whether err represents a per-byte timeout rather than
// a genuine transport failure.
func isTimeout(err error) bool {
	if errors.Is(err, errWriteTimeout) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}

// commError wraps a transport-level failure with the ErrorKind the MRC
// Link should surface to its caller.
type commError struct {
	kind msg.ErrorKind
	err  error
}

func newCommError(kind msg.ErrorKind, err error) error {
	return &commError{kind: kind, err: err}
}

func (e *commError) Error() string { return e.kind.String() + ": " + e.err.Error() }
func (e *commError) Unwrap() error { return e.err }

// ErrorKind extracts the ErrorKind a commError carries, or ErrCommError if
// err is not a commError.
func ErrorKind(err error) msg.ErrorKind {
	var ce *commError
	if errors.As(err, &ce) {
		return ce.kind
	}
	return msg.ErrCommError
}
