package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"

	xrpc "github.com/eugener/xrpcd/internal"
	"github.com/eugener/xrpcd/internal/codec"
	"github.com/eugener/xrpcd/internal/lexicon"
	"github.com/eugener/xrpcd/internal/nsid"
	"github.com/eugener/xrpcd/internal/ratelimit"
)

// methodHandler builds the per-route chain for a query or procedure:
// auth, rate limits (global plus the route's own), body parse, parameter
// decode, handler, output.
//
// Rate limits run before any body or parameter work so an overdrawn bucket
// answers 429 even when the request is also malformed; auth runs first so
// bypass predicates and per-identity keys can see its result.
func (s *Server) methodHandler(m *lexicon.Method, verifier xrpc.AuthVerifier, routeLimits []*ratelimit.Limiter, h xrpc.Handler) http.HandlerFunc {
	limiters := make([]*ratelimit.Limiter, 0, len(s.global)+len(routeLimits))
	limiters = append(limiters, s.global...)
	limiters = append(limiters, routeLimits...)

	return func(w http.ResponseWriter, r *http.Request) {
		ctx := xrpc.ContextWithNSID(r.Context(), m.NSID)
		if ctx != r.Context() {
			r = r.WithContext(ctx)
		}

		var auth *xrpc.AuthOutput
		if verifier != nil {
			out, err := verifier(ctx, &xrpc.AuthContext{Request: r})
			if err != nil {
				s.countAuthFailure(err)
				s.writeError(w, r, err)
				return
			}
			auth = out
			xrpc.ContextWithAuth(ctx, auth)
		}

		if len(limiters) > 0 && !s.bypassed(r) {
			status, err := ratelimit.ConsumeAll(ctx, r, limiters)
			ratelimit.WriteHeaders(w, status)
			if err != nil {
				s.countRateLimitReject(m.NSID)
				s.writeError(w, r, err)
				return
			}
		}

		var input *xrpc.HandlerInput
		if r.Method == http.MethodPost {
			var err error
			input, err = codec.ReadBody(r, m, s.deps.BlobLimit)
			if err != nil {
				s.countBodyReject(err)
				s.writeError(w, r, err)
				return
			}
		}

		params, err := codec.DecodeParams(m, r.URL.Query())
		if err != nil {
			s.writeError(w, r, err)
			return
		}

		rc := &xrpc.RequestContext{
			Request: r,
			Params:  params,
			Input:   input,
			Auth:    auth,
		}
		if len(routeLimits) > 0 {
			rc.ResetRouteRateLimits = func(ctx context.Context) error {
				return ratelimit.ResetAll(ctx, r, routeLimits)
			}
		}

		out, err := h(ctx, rc)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeOutput(w, r, m, out)
	}
}

// writeOutput serializes a handler's result. Output validation failures are
// the server's fault, so they surface as InternalServerError.
func (s *Server) writeOutput(w http.ResponseWriter, r *http.Request, m *lexicon.Method, out xrpc.HandlerOutput) {
	switch o := out.(type) {
	case nil:
		if err := s.validateOutput(m, nil); err != nil {
			s.writeError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusOK)

	case *xrpc.ErrorOutput:
		s.writeError(w, r, xrpc.NewErrorWithStatus(o.Status, o.Name, o.Message))

	case *xrpc.StreamOutput:
		if c, ok := o.Stream.(io.Closer); ok {
			defer c.Close()
		}
		setHeaders(w, o.Headers)
		w.Header().Set("Content-Type", outputContentType(o.Encoding, m))
		w.WriteHeader(http.StatusOK)
		if _, err := io.Copy(w, o.Stream); err != nil {
			slog.LogAttrs(r.Context(), slog.LevelWarn, "response stream aborted",
				slog.String("nsid", m.NSID),
				slog.Any("error", err),
			)
		}

	case *xrpc.BytesOutput:
		setHeaders(w, o.Headers)
		w.Header().Set("Content-Type", outputContentType(o.Encoding, m))
		w.WriteHeader(http.StatusOK)
		w.Write(o.Buffer)

	case *xrpc.JSONOutput:
		if err := s.validateOutput(m, o.Body); err != nil {
			s.writeError(w, r, err)
			return
		}
		encoded, err := json.Marshal(o.Body)
		if err != nil {
			s.writeError(w, r, xrpc.NewInternal("failed to encode response: %s", err.Error()))
			return
		}
		setHeaders(w, o.Headers)
		w.Header().Set("Content-Type", outputContentType(o.Encoding, m))
		w.WriteHeader(http.StatusOK)
		w.Write(encoded)

	default:
		s.writeError(w, r, xrpc.NewInternal("unrecognized handler output"))
	}
}

func (s *Server) validateOutput(m *lexicon.Method, body any) error {
	if !s.deps.ValidateResponse || m.Output == nil || m.Output.Schema == nil {
		return nil
	}
	if err := lexicon.AssertValidXrpcOutput(m, body); err != nil {
		return xrpc.NewInternal("%s", err.Error())
	}
	return nil
}

// outputContentType resolves the response content type: the output's own
// encoding, falling back to the method's declared one, then JSON. JSON and
// text types get an explicit charset.
func outputContentType(encoding string, m *lexicon.Method) string {
	if encoding == "" {
		if m.Output != nil && m.Output.Encoding != "" {
			encoding = m.Output.Encoding
		} else {
			encoding = "application/json"
		}
	}
	switch {
	case encoding == "application/json" || strings.HasSuffix(encoding, "+json"):
		return encoding + "; charset=utf-8"
	case strings.HasPrefix(encoding, "text/") && !strings.Contains(encoding, "charset"):
		return encoding + "; charset=utf-8"
	}
	return encoding
}

func setHeaders(w http.ResponseWriter, headers map[string]string) {
	for k, v := range headers {
		w.Header().Set(k, v)
	}
}

func (s *Server) countAuthFailure(err error) {
	if s.deps.Metrics != nil {
		s.deps.Metrics.AuthFailures.WithLabelValues(s.parseError(err).WireName()).Inc()
	}
}

func (s *Server) countBodyReject(err error) {
	if s.deps.Metrics != nil && s.parseError(err).Status == http.StatusRequestEntityTooLarge {
		s.deps.Metrics.BodyBytesRejected.Inc()
	}
}

// nsidFromRequest parses the method NSID out of the request path.
func nsidFromRequest(r *http.Request) (string, error) {
	return nsid.Parse(r.URL.Path)
}
