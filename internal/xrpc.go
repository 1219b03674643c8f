package xrpc

import (
	"context"
	"io"
	"net/http"
)

// Params holds decoded query parameters, keyed by the names declared in the
// method's parameter schema. Values are primitives (string, int64, float64,
// bool) or []any of primitives. Absent optional parameters are omitted, never
// stored as nil.
type Params map[string]any

// HandlerInput is a decoded request body. Body is the JSON-decoded value
// (with IPLD rehydration) for JSON encodings, a string for text/* encodings,
// and []byte for everything else.
type HandlerInput struct {
	Encoding string
	Body     any
}

// AuthOutput is the result of a successful credential verification. It is
// created by the auth middleware, owned by the request, and discarded when
// the request ends.
type AuthOutput struct {
	Credentials any
	Artifacts   any
}

// AuthContext is what a verifier gets to look at. Params and Input are nil
// when verification runs before they are decoded.
type AuthContext struct {
	Request *http.Request
	Params  Params
	Input   *HandlerInput
}

// AuthVerifier checks request credentials. Returning a taxonomy *Error (for
// example via NewAuthRequired) produces the matching wire response; any other
// error propagates as an internal failure.
type AuthVerifier func(ctx context.Context, auth *AuthContext) (*AuthOutput, error)

// RequestContext is the view of a request handed to a method handler.
type RequestContext struct {
	Request *http.Request
	Params  Params
	Input   *HandlerInput
	Auth    *AuthOutput

	// ResetRouteRateLimits clears the counters of the route's rate limiters,
	// reversing a preliminary consumption. Nil when the route has none.
	ResetRouteRateLimits func(ctx context.Context) error
}

// HandlerOutput is the closed sum of response shapes a handler may return.
// A nil HandlerOutput means 200 with no body.
type HandlerOutput interface {
	sealedOutput()
}

// JSONOutput is a success record serialized through the lexicon JSON
// projection (IPLD values preserved).
type JSONOutput struct {
	Encoding string
	Body     any
	Headers  map[string]string
}

// BytesOutput pipes a pre-encoded buffer through without serialization.
type BytesOutput struct {
	Encoding string
	Buffer   []byte
	Headers  map[string]string
}

// StreamOutput pipes a byte stream through without buffering. The dispatcher
// consumes it to completion or until the client disconnects, and closes it
// when it implements io.Closer.
type StreamOutput struct {
	Encoding string
	Stream   io.Reader
	Headers  map[string]string
}

// ErrorOutput carries an explicit error result from a handler without a
// panic-like control flow. Status outside [400, 600) is coerced to 500.
type ErrorOutput struct {
	Status  int
	Name    string
	Message string
}

func (*JSONOutput) sealedOutput()   {}
func (*BytesOutput) sealedOutput()  {}
func (*StreamOutput) sealedOutput() {}
func (*ErrorOutput) sealedOutput()  {}

// Handler serves one XRPC query or procedure invocation.
type Handler func(ctx context.Context, rc *RequestContext) (HandlerOutput, error)

// StreamHandler produces the message sequence for one subscription
// connection. Values sent on out are framed and written to the socket. The
// engine owns the channel and stops reading once the handler returns; the
// handler must return promptly when ctx is canceled (client disconnect) and
// may return an error to terminate the stream with an error frame.
type StreamHandler func(ctx context.Context, rc *RequestContext, out chan<- any) error
