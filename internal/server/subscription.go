package server

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	xrpc "github.com/eugener/xrpcd/internal"
	"github.com/eugener/xrpcd/internal/codec"
	"github.com/eugener/xrpcd/internal/lexicon"
	"github.com/eugener/xrpcd/internal/stream"
)

// subscriptionHandler serves a subscription method: upgrade first, then auth
// and parameter validation over the socket, then the producer. Failures after
// the 101 travel as a single error frame followed by a policy close.
func (s *Server) subscriptionHandler(m *lexicon.Method, verifier xrpc.AuthVerifier, h xrpc.StreamHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !websocket.IsWebSocketUpgrade(r) {
			s.writeError(w, r, xrpc.NewInvalidRequest("Subscription methods require a WebSocket upgrade"))
			return
		}

		ctx := xrpc.ContextWithNSID(r.Context(), m.NSID)
		if ctx != r.Context() {
			r = r.WithContext(ctx)
		}

		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade already wrote its own response.
			slog.LogAttrs(ctx, slog.LevelWarn, "websocket upgrade failed",
				slog.String("nsid", m.NSID),
				slog.Any("error", err),
			)
			return
		}

		if s.deps.Metrics != nil {
			s.deps.Metrics.ActiveStreams.Inc()
			defer s.deps.Metrics.ActiveStreams.Dec()
		}

		var auth *xrpc.AuthOutput
		if verifier != nil {
			out, err := verifier(ctx, &xrpc.AuthContext{Request: r})
			if err != nil {
				s.countAuthFailure(err)
				s.upgradeFailure(conn, m.NSID, err)
				return
			}
			auth = out
			xrpc.ContextWithAuth(ctx, auth)
		}

		params, err := codec.DecodeParams(m, r.URL.Query())
		if err != nil {
			s.upgradeFailure(conn, m.NSID, err)
			return
		}

		rc := &xrpc.RequestContext{Request: r, Params: params, Auth: auth}
		stream.Serve(ctx, conn, m.NSID, s.producer(m, rc, h))
	}
}

// producer adapts a StreamHandler to the stream engine, validating each
// message against the subscription schema and counting frames.
func (s *Server) producer(m *lexicon.Method, rc *xrpc.RequestContext, h xrpc.StreamHandler) stream.Producer {
	return func(ctx context.Context, out chan<- any) error {
		inner := make(chan any, cap(out))
		errCh := make(chan error, 1)
		go func() {
			defer close(inner)
			errCh <- h(ctx, rc, inner)
		}()
		// On an early return the handler may still be mid-send; keep inner
		// draining so it can observe cancellation and finish.
		defer func() {
			go func() {
				for range inner {
				}
			}()
		}()

		for v := range inner {
			if m.Message != nil {
				if err := lexicon.AssertValidXrpcMessage(m, v); err != nil {
					return xrpc.NewInternal("%s", err.Error())
				}
			}
			if s.deps.Metrics != nil {
				s.deps.Metrics.StreamMessages.WithLabelValues(m.NSID).Inc()
			}
			select {
			case out <- v:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return <-errCh
	}
}

// upgradeFailure reports a post-upgrade rejection the way a thrown error
// reads on the wire.
func (s *Server) upgradeFailure(conn *websocket.Conn, nsid string, err error) {
	xe := s.parseError(err)
	if s.deps.Metrics != nil {
		s.deps.Metrics.StreamErrors.WithLabelValues(nsid).Inc()
	}
	stream.SendError(conn, xe.WireName(), "Error: "+xe.WireMessage())
}
