package main

import (
	"context"
	"log/slog"
	"time"

	xrpc "github.com/eugener/xrpcd/internal"
	"github.com/eugener/xrpcd/internal/config"
	"github.com/eugener/xrpcd/internal/lexicon"
	"github.com/eugener/xrpcd/internal/server"
	"github.com/eugener/xrpcd/internal/serviceauth"
)

// registerRoutes binds handlers to the methods this binary knows how to
// serve. Lexicons without a handler still resolve through the catch-all and
// answer MethodNotImplemented.
func registerRoutes(s *server.Server, lexicons *lexicon.Registry, cfg *config.Config) error {
	var adminAuth xrpc.AuthVerifier
	if cfg.Auth.AdminUser != "" {
		adminAuth = serviceauth.BasicVerifier(cfg.Auth.AdminUser, cfg.Auth.AdminPassword)
	}

	type route struct {
		nsid    string
		opts    server.RouteOptions
		handler xrpc.Handler
	}
	routes := []route{
		{nsid: "io.example.pingOne", handler: handlePingQuery},
		{nsid: "io.example.pingFour", handler: handlePingProcedure},
		{
			nsid:    "io.example.resetLimits",
			opts:    server.RouteOptions{Auth: adminAuth},
			handler: handleResetLimits,
		},
	}
	for _, rt := range routes {
		if _, ok := lexicons.Get(rt.nsid); !ok {
			slog.Warn("no lexicon for built-in handler, skipping", "nsid", rt.nsid)
			continue
		}
		if err := s.AddRoute(rt.nsid, rt.opts, rt.handler); err != nil {
			return err
		}
	}

	if _, ok := lexicons.Get("io.example.streamOne"); ok {
		if err := s.AddStreamMethod("io.example.streamOne", server.RouteOptions{}, handleCountdown); err != nil {
			return err
		}
	}
	return nil
}

func handlePingQuery(ctx context.Context, rc *xrpc.RequestContext) (xrpc.HandlerOutput, error) {
	msg, _ := rc.Params["message"].(string)
	return &xrpc.BytesOutput{Encoding: "text/plain", Buffer: []byte(msg)}, nil
}

func handlePingProcedure(ctx context.Context, rc *xrpc.RequestContext) (xrpc.HandlerOutput, error) {
	return &xrpc.JSONOutput{Body: rc.Input.Body}, nil
}

// handleResetLimits hands the caller's route budget back, for admin retries.
func handleResetLimits(ctx context.Context, rc *xrpc.RequestContext) (xrpc.HandlerOutput, error) {
	if rc.ResetRouteRateLimits != nil {
		if err := rc.ResetRouteRateLimits(ctx); err != nil {
			return nil, err
		}
	}
	return &xrpc.JSONOutput{Body: map[string]any{"reset": true}}, nil
}

func handleCountdown(ctx context.Context, rc *xrpc.RequestContext, out chan<- any) error {
	n, _ := rc.Params["countdown"].(int64)
	for i := n; i >= 0; i-- {
		select {
		case out <- map[string]any{"count": i}:
		case <-ctx.Done():
			return ctx.Err()
		}
		if i > 0 {
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return nil
}
