package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	xrpc "github.com/eugener/xrpcd/internal"
)

// wireError is the error response body: a machine-readable name and a human
// message.
type wireError struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// jsonCT is a pre-allocated header value slice. Direct map assignment
// (w.Header()["Content-Type"] = jsonCT) avoids the []string{v} alloc
// that Header.Set creates on every call.
var jsonCT = []string{"application/json; charset=utf-8"}

// parseError converts an arbitrary handler error to the taxonomy, giving the
// configured parser first refusal. The parser is documented as non-panicking
// but wrapped anyway; a panicking parser must not take the response with it.
func (s *Server) parseError(err error) (xe *xrpc.Error) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("error parser panicked", "panic", rec)
			xe = xrpc.AsError(err)
		}
	}()
	if s.deps.ErrorParser != nil {
		if parsed := s.deps.ErrorParser(err); parsed != nil {
			return parsed
		}
	}
	return xrpc.AsError(err)
}

// writeError sends the wire error response. Internal errors keep their detail
// out of the body but keep it in the log, tagged with the method.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	xe := s.parseError(err)

	if xe.Status >= http.StatusInternalServerError {
		slog.LogAttrs(r.Context(), slog.LevelError, "request failed",
			slog.String("nsid", xrpc.NSIDFromContext(r.Context())),
			slog.String("request_id", xrpc.RequestIDFromContext(r.Context())),
			slog.Int("status", xe.Status),
			slog.Any("error", err),
		)
	}

	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(xe.Status)
	if encErr := json.NewEncoder(w).Encode(wireError{Error: xe.WireName(), Message: xe.WireMessage()}); encErr != nil {
		slog.Error("failed to encode error response", "error", encErr)
	}
}
