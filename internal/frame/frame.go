// Package frame implements the binary framing of the subscription protocol:
// every WebSocket message is two concatenated CBOR items, a small header and
// an opaque body.
package frame

import (
	"bytes"
	"errors"
	"io"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// Frame operations carried in the header.
const (
	OpMessage int64 = 1
	OpError   int64 = -1
)

// Parse failures. Truncated CBOR propagates the decoder's own error instead.
var (
	ErrTooManyItems   = errors.New("Too many CBOR data items in frame")
	ErrMissingBody    = errors.New("Missing frame body")
	ErrInvalidHeader  = errors.New("Invalid frame header")
	ErrInvalidErrBody = errors.New("Invalid error frame body")
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	// Bodies decode into map[string]any trees so the stream layer can
	// inspect $type without a second reflection pass.
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic(err)
	}
}

// Frame is the closed union of subscription wire messages.
type Frame interface {
	// Op returns the header operation code.
	Op() int64
	// ToBytes serializes the frame as CBOR(header) followed by CBOR(body).
	ToBytes() ([]byte, error)
}

// MessageFrame carries one subscription payload. T is the optional message
// type discriminator ("#commit"); empty means none.
type MessageFrame struct {
	T    string
	Body any
}

func (f *MessageFrame) Op() int64 { return OpMessage }

func (f *MessageFrame) ToBytes() ([]byte, error) {
	return marshalFrame(header{Op: OpMessage, T: f.T}, f.Body)
}

// ErrorFrame terminates a stream with a machine-readable error name and an
// optional human-readable message.
type ErrorFrame struct {
	Error   string
	Message string
}

func (f *ErrorFrame) Op() int64 { return OpError }

func (f *ErrorFrame) ToBytes() ([]byte, error) {
	return marshalFrame(header{Op: OpError}, errorBody{Error: f.Error, Message: f.Message})
}

type header struct {
	Op int64  `cbor:"op"`
	T  string `cbor:"t,omitempty"`
}

type errorBody struct {
	Error   string `cbor:"error"`
	Message string `cbor:"message,omitempty"`
}

func marshalFrame(h header, body any) ([]byte, error) {
	var buf bytes.Buffer
	enc := encMode.NewEncoder(&buf)
	if err := enc.Encode(h); err != nil {
		return nil, err
	}
	if err := enc.Encode(body); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// FromBytes parses one frame from a binary WebSocket message.
func FromBytes(b []byte) (Frame, error) {
	dec := decMode.NewDecoder(bytes.NewReader(b))

	var items []cbor.RawMessage
	for {
		var raw cbor.RawMessage
		if err := dec.Decode(&raw); err != nil {
			if err == io.EOF {
				break
			}
			return nil, err
		}
		items = append(items, raw)
		if len(items) > 2 {
			return nil, ErrTooManyItems
		}
	}
	if len(items) == 0 {
		return nil, io.ErrUnexpectedEOF
	}

	var h header
	if err := decMode.Unmarshal(items[0], &h); err != nil {
		return nil, ErrInvalidHeader
	}
	if h.Op != OpMessage && h.Op != OpError {
		return nil, ErrInvalidHeader
	}
	if len(items) < 2 {
		return nil, ErrMissingBody
	}

	if h.Op == OpError {
		var body errorBody
		if err := decMode.Unmarshal(items[1], &body); err != nil || body.Error == "" {
			return nil, ErrInvalidErrBody
		}
		return &ErrorFrame{Error: body.Error, Message: body.Message}, nil
	}

	var body any
	if err := decMode.Unmarshal(items[1], &body); err != nil {
		return nil, err
	}
	return &MessageFrame{T: h.T, Body: body}, nil
}
