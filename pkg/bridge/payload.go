package bridge

import (
	"errors"
	"fmt"
	"math"

	"gitlab.com/gomidi/midi/v2"
)

// ErrMalformedMessage is returned by Decode for payloads that are neither a
// byte sequence nor convertible to one.
var ErrMalformedMessage = errors.New("malformed MIDI message")

// Payload is a decoded inbound message: raw MIDI bytes, unvalidated.
type Payload []byte

// String renders the payload using gomidi's message formatter
func (p Payload) String() string {
	return midi.Message(p).String()
}

// Decode resolves an inbound payload to raw bytes. Binary blobs and
// integer sequences whose elements all fit in a byte are accepted; every
// other shape, including text, is malformed.
func Decode(payload any) (Payload, error) {
	var out Payload
	switch v := payload.(type) {
	case []byte:
		out = append(Payload(nil), v...)
	case midi.Message:
		out = append(Payload(nil), v...)
	case Payload:
		out = append(Payload(nil), v...)
	case []int:
		out = make(Payload, len(v))
		for i, n := range v {
			if n < 0 || n > math.MaxUint8 {
				return nil, fmt.Errorf("%w: element %d out of byte range: %d", ErrMalformedMessage, i, n)
			}
			out[i] = byte(n)
		}
	case []uint:
		out = make(Payload, len(v))
		for i, n := range v {
			if n > math.MaxUint8 {
				return nil, fmt.Errorf("%w: element %d out of byte range: %d", ErrMalformedMessage, i, n)
			}
			out[i] = byte(n)
		}
	case []any:
		out = make(Payload, len(v))
		for i, e := range v {
			b, ok := toByte(e)
			if !ok {
				return nil, fmt.Errorf("%w: element %d is not a byte value: %v", ErrMalformedMessage, i, e)
			}
			out[i] = b
		}
	default:
		return nil, fmt.Errorf("%w: unsupported payload type %T", ErrMalformedMessage, payload)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrMalformedMessage)
	}
	return out, nil
}

// toByte converts a JSON-decoded or native integer to a byte
func toByte(v any) (byte, bool) {
	switch n := v.(type) {
	case float64:
		if n != math.Trunc(n) || n < 0 || n > math.MaxUint8 {
			return 0, false
		}
		return byte(n), true
	case int:
		if n < 0 || n > math.MaxUint8 {
			return 0, false
		}
		return byte(n), true
	case uint8:
		return n, true
	default:
		return 0, false
	}
}
