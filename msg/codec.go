package msg

import (
	"encoding/binary"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// MaxFrameSize is the largest payload a single frame may carry. The wire
// length prefix is a uint16, so this is also its hard ceiling.
const MaxFrameSize = 65535

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(err)
	}
}

// Encode serializes m into its wire envelope: a 2-element CBOR array of
// [kind, payload]. Payload field numbering is schema-driven (see the
// `cbor:"N,keyasint"` tags on each message type), so a receiver on a newer
// schema version can add fields without breaking older decoders.
func Encode(m Message) ([]byte, error) {
	envelope := [2]interface{}{uint64(m.Kind()), m}
	return encMode.Marshal(envelope)
}

// Decode parses a wire envelope produced by Encode back into a concrete
// Message. An unrecognized kind yields an error wrapping ErrUnknownKind.
func Decode(data []byte) (Message, error) {
	var raw struct {
		_     struct{} `cbor:",toarray"`
		Kind  uint64
		Raw   cbor.RawMessage
	}
	if err := decMode.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("msg: decode envelope: %w", err)
	}

	m, err := newZeroValue(Kind(raw.Kind))
	if err != nil {
		return nil, err
	}
	if err := decMode.Unmarshal(raw.Raw, m); err != nil {
		return nil, fmt.Errorf("msg: decode payload for kind %d: %w", raw.Kind, err)
	}

	if rmr, ok := m.(*ReadMultiRequest); ok {
		if rmr.Count < 1 || rmr.Count > 256 {
			return nil, fmt.Errorf("%w: got %d", ErrCountOutOfRange, rmr.Count)
		}
	}

	return m, nil
}

// newZeroValue returns an addressable zero value of the concrete Message
// type identified by k, ready to be passed to cbor.Unmarshal.
func newZeroValue(k Kind) (Message, error) {
	switch k {
	case KindScanbusRequest:
		return &ScanbusRequest{}, nil
	case KindReadRequest:
		return &ReadRequest{}, nil
	case KindSetRequest:
		return &SetRequest{}, nil
	case KindRcRequest:
		return &RcRequest{}, nil
	case KindResetRequest:
		return &ResetRequest{}, nil
	case KindCopyRequest:
		return &CopyRequest{}, nil
	case KindReadMultiRequest:
		return &ReadMultiRequest{}, nil
	case KindHasWriteAccessRequest:
		return &HasWriteAccessRequest{}, nil
	case KindAcquireWriteAccessRequest:
		return &AcquireWriteAccessRequest{}, nil
	case KindReleaseWriteAccessRequest:
		return &ReleaseWriteAccessRequest{}, nil
	case KindIsSilencedRequest:
		return &IsSilencedRequest{}, nil
	case KindSetSilencedRequest:
		return &SetSilencedRequest{}, nil
	case KindMrcStatusRequest:
		return &MrcStatusRequest{}, nil
	case KindSetPollItemsRequest:
		return &SetPollItemsRequest{}, nil
	case KindScanbusResponse:
		return &ScanbusResult{}, nil
	case KindReadResponse:
		return &ReadResult{}, nil
	case KindSetResponse:
		return &SetResult{}, nil
	case KindReadMultiResponse:
		return &ReadMultiResult{}, nil
	case KindBoolResponse:
		return &BoolResult{}, nil
	case KindErrorResponse:
		return &ErrorResult{}, nil
	case KindMrcStatusResponse:
		return &MrcStatusResult{}, nil
	case KindWriteAccessNotify:
		return &WriteAccessNotify{}, nil
	case KindSilencedNotify:
		return &SilencedNotify{}, nil
	case KindSetNotify:
		return &SetNotify{}, nil
	case KindMrcStatusNotify:
		return &MrcStatusNotify{}, nil
	case KindPolledItemsNotify:
		return &PolledItemsNotify{}, nil
	case KindScanbusNotify:
		return &ScanbusNotify{}, nil
	default:
		return nil, fmt.Errorf("%w: kind %d", ErrUnknownKind, k)
	}
}

// EncodeFrame wraps an Encode'd payload in the client-facing wire framing:
// a big-endian uint16 length prefix followed by the payload. A zero-length
// payload is rejected; a payload over MaxFrameSize cannot be represented.
func EncodeFrame(payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("msg: cannot frame empty payload")
	}
	if len(payload) > MaxFrameSize {
		return nil, fmt.Errorf("msg: payload of %d bytes exceeds max frame size %d", len(payload), MaxFrameSize)
	}

	frame := make([]byte, 2+len(payload))
	binary.BigEndian.PutUint16(frame, uint16(len(payload)))
	copy(frame[2:], payload)

	return frame, nil
}

// DecodeFrameHeader reads the 2-byte big-endian length prefix from header
// and returns the number of payload bytes the caller must read next.
func DecodeFrameHeader(header [2]byte) (int, error) {
	size := binary.BigEndian.Uint16(header[:])
	if size == 0 {
		return 0, fmt.Errorf("msg: zero-length frame")
	}
	return int(size), nil
}
