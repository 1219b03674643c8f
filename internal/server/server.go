// Package server implements the XRPC request dispatcher: HTTP routes for
// queries and procedures, WebSocket upgrade for subscriptions, and the
// middleware chain that ties auth, rate limiting, and the codecs together.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	xrpc "github.com/eugener/xrpcd/internal"
	"github.com/eugener/xrpcd/internal/lexicon"
	"github.com/eugener/xrpcd/internal/ratelimit"
	"github.com/eugener/xrpcd/internal/telemetry"
)

// ReadyChecker reports whether the system is ready to serve traffic.
type ReadyChecker func(ctx context.Context) error

// Deps holds all dependencies for the dispatcher.
type Deps struct {
	Lexicons         *lexicon.Registry
	Store            ratelimit.Store         // nil = in-memory counters
	Metrics          *telemetry.Metrics      // nil = no metrics
	MetricsHandler   http.Handler            // nil = no /metrics route
	ReadyCheck       ReadyChecker            // nil = always ready (for tests)
	ErrorParser      xrpc.ErrorParser        // nil = default conversion
	RateLimitBypass  func(*http.Request) bool // nil = never bypass
	BlobLimit        int64                   // 0 = codec default
	ValidateResponse bool
	Version          string // reported by /xrpc/_health
}

// RateLimit declares one limiter on a route: either a reference to a shared
// limiter by name, or an inline window/points pair.
type RateLimit struct {
	// Name references a limiter registered with AddSharedRateLimit. When set,
	// the other fields are ignored.
	Name string

	Window     time.Duration
	Points     int
	CalcKey    ratelimit.CalcKey
	CalcPoints ratelimit.CalcPoints
}

// RouteOptions configures a single registered method.
type RouteOptions struct {
	Auth       xrpc.AuthVerifier
	RateLimits []RateLimit
}

// Server is the XRPC dispatcher. Register methods with AddRoute and
// AddStreamMethod, then mount Handler. Registration is not safe after the
// handler starts serving.
type Server struct {
	deps     Deps
	store    ratelimit.Store
	router   *chi.Mux
	global   []*ratelimit.Limiter
	shared   map[string]*ratelimit.Limiter
	upgrader websocket.Upgrader
}

// New creates a dispatcher with its middleware chain wired.
func New(deps Deps) *Server {
	store := deps.Store
	if store == nil {
		store = ratelimit.NewMemoryStore()
	}
	s := &Server{
		deps:   deps,
		store:  store,
		router: chi.NewRouter(),
		shared: map[string]*ratelimit.Limiter{},
	}

	s.router.Use(s.recovery)
	s.router.Use(s.requestID)
	s.router.Use(s.logging)
	if deps.Metrics != nil {
		s.router.Use(metricsMiddleware(deps.Metrics))
	}

	s.router.Get("/healthz", s.handleHealthz)
	s.router.Get("/readyz", s.handleReadyz)
	s.router.Get("/xrpc/_health", s.handleHealth)
	if deps.MetricsHandler != nil {
		s.router.Get("/metrics", deps.MetricsHandler.ServeHTTP)
	}

	s.router.HandleFunc("/xrpc/{methodId}", s.handleCatchAll)
	s.router.HandleFunc("/xrpc/{methodId}/", s.handleCatchAll)

	// A wrong verb on a registered route must reach the catch-all's
	// verb/kind diagnosis, not chi's bare 405.
	s.router.MethodNotAllowed(s.handleCatchAll)
	s.router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		s.writeError(w, r, xrpc.NewErrorWithStatus(http.StatusNotFound, "", ""))
	})

	return s
}

// AddGlobalRateLimit registers a limiter charged on every XRPC request.
func (s *Server) AddGlobalRateLimit(opts ratelimit.Options) {
	s.global = append(s.global, ratelimit.New(s.store, opts))
}

// AddSharedRateLimit registers a named limiter that routes reference by name,
// sharing one budget across methods.
func (s *Server) AddSharedRateLimit(name string, opts ratelimit.Options) {
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = name
	}
	s.shared[name] = ratelimit.New(s.store, opts)
}

// AddRoute registers a query or procedure handler. The lexicon decides the
// HTTP verb.
func (s *Server) AddRoute(nsid string, opts RouteOptions, h xrpc.Handler) error {
	m, ok := s.deps.Lexicons.Get(nsid)
	if !ok {
		return fmt.Errorf("method %s not in lexicon registry", nsid)
	}
	routeLimits, err := s.buildRouteLimiters(nsid, opts.RateLimits)
	if err != nil {
		return err
	}
	hf := s.methodHandler(m, opts.Auth, routeLimits, h)
	// The path grammar permits one trailing slash, so both spellings
	// dispatch to the handler.
	switch m.Type {
	case lexicon.TypeQuery:
		s.router.Get("/xrpc/"+nsid, hf)
		s.router.Get("/xrpc/"+nsid+"/", hf)
	case lexicon.TypeProcedure:
		s.router.Post("/xrpc/"+nsid, hf)
		s.router.Post("/xrpc/"+nsid+"/", hf)
	default:
		return fmt.Errorf("method %s is a %s, not a query or procedure", nsid, m.Type)
	}
	return nil
}

// AddStreamMethod registers a subscription handler, served over WebSocket
// upgrade at the method's path.
func (s *Server) AddStreamMethod(nsid string, opts RouteOptions, h xrpc.StreamHandler) error {
	m, ok := s.deps.Lexicons.Get(nsid)
	if !ok {
		return fmt.Errorf("method %s not in lexicon registry", nsid)
	}
	if m.Type != lexicon.TypeSubscription {
		return fmt.Errorf("method %s is a %s, not a subscription", nsid, m.Type)
	}
	hf := s.subscriptionHandler(m, opts.Auth, h)
	s.router.Get("/xrpc/"+nsid, hf)
	s.router.Get("/xrpc/"+nsid+"/", hf)
	return nil
}

// Handler returns the mounted HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// buildRouteLimiters resolves a route's limiter declarations against the
// shared table and creates the inline ones.
func (s *Server) buildRouteLimiters(nsid string, decls []RateLimit) ([]*ratelimit.Limiter, error) {
	limiters := make([]*ratelimit.Limiter, 0, len(decls))
	for i, d := range decls {
		if d.Name != "" {
			l, ok := s.shared[d.Name]
			if !ok {
				return nil, fmt.Errorf("route %s references unknown shared rate limit %q", nsid, d.Name)
			}
			limiters = append(limiters, l)
			continue
		}
		if d.Window <= 0 || d.Points <= 0 {
			return nil, fmt.Errorf("route %s rate limit %d needs a window and points", nsid, i)
		}
		limiters = append(limiters, ratelimit.New(s.store, ratelimit.Options{
			KeyPrefix:  fmt.Sprintf("%s-%d", nsid, i),
			Window:     d.Window,
			Points:     d.Points,
			CalcKey:    d.CalcKey,
			CalcPoints: d.CalcPoints,
		}))
	}
	return limiters, nil
}

// handleCatchAll serves /xrpc/ paths with no registered route: it charges the
// global limiters, then distinguishes a verb/kind mismatch on a known method
// from an unimplemented one.
func (s *Server) handleCatchAll(w http.ResponseWriter, r *http.Request) {
	id, err := nsidFromRequest(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if !s.bypassed(r) {
		status, err := ratelimit.ConsumeAll(r.Context(), r, s.global)
		ratelimit.WriteHeaders(w, status)
		if err != nil {
			s.countRateLimitReject(id)
			s.writeError(w, r, err)
			return
		}
	}

	m, ok := s.deps.Lexicons.Get(id)
	if !ok {
		s.writeError(w, r, xrpc.NewMethodNotImplemented("Method Not Implemented"))
		return
	}
	switch m.Type {
	case lexicon.TypeQuery:
		if r.Method != http.MethodGet {
			s.writeError(w, r, xrpc.NewInvalidRequest("Incorrect HTTP method (%s) expected GET", r.Method))
			return
		}
	case lexicon.TypeProcedure:
		if r.Method != http.MethodPost {
			s.writeError(w, r, xrpc.NewInvalidRequest("Incorrect HTTP method (%s) expected POST", r.Method))
			return
		}
	case lexicon.TypeSubscription:
		s.writeError(w, r, xrpc.NewInvalidRequest("Subscription methods require a WebSocket upgrade"))
		return
	}
	// Verb and kind agree, so the method is known but has no handler bound.
	s.writeError(w, r, xrpc.NewMethodNotImplemented("Method Not Implemented"))
}

func (s *Server) bypassed(r *http.Request) bool {
	return s.deps.RateLimitBypass != nil && s.deps.RateLimitBypass(r)
}

func (s *Server) countRateLimitReject(nsid string) {
	if s.deps.Metrics != nil {
		s.deps.Metrics.RateLimitRejects.WithLabelValues(nsid).Inc()
	}
}
