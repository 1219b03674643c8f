// Package ratelimit implements the layered token buckets of the XRPC
// dispatcher: fixed-window counters behind a pluggable store, composed into
// global, shared, and per-route limiters whose tightest result wins.
package ratelimit

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	xrpc "github.com/eugener/xrpcd/internal"
)

// Status is one limiter's view of a key after a consume.
// ConsumedPoints + RemainingPoints = Limit at the instant of observation
// (clamped once a window overflows).
type Status struct {
	Limit             int
	Duration          time.Duration
	RemainingPoints   int
	MsBeforeNext      int64
	ConsumedPoints    int
	IsFirstInDuration bool

	exceeded bool
}

// Exceeded reports whether the window is overdrawn. A bucket at exactly zero
// remaining is full but not exceeded.
func (s *Status) Exceeded() bool {
	return s != nil && s.exceeded
}

// Store is the shared counter backend. The in-memory implementation lives in
// this package; a Redis-like remote store satisfies the same interface.
type Store interface {
	// Consume adds points to key's current window, creating the window with
	// the given duration when absent. It returns the window's consumed total,
	// the time until the window resets, and whether this call created it.
	Consume(ctx context.Context, key string, points int, window time.Duration) (consumed int, resetIn time.Duration, first bool, err error)
	// Reset deletes the key's window.
	Reset(ctx context.Context, key string) error
}

// CalcKey derives the bucket key for a request. Returning "" skips the
// limiter for this request.
type CalcKey func(r *http.Request) string

// CalcPoints derives the cost of a request. Non-positive values skip the
// limiter.
type CalcPoints func(r *http.Request) int

// Options configures one limiter.
type Options struct {
	// KeyPrefix namespaces this limiter's keys in the shared store.
	KeyPrefix string
	// Window is the fixed-window duration.
	Window time.Duration
	// Points is the budget per window.
	Points int
	// CalcKey defaults to the client IP (first X-Forwarded-For hop, then
	// X-Real-Ip, then "unknown").
	CalcKey CalcKey
	// CalcPoints defaults to 1 per request.
	CalcPoints CalcPoints
	// FailClosed propagates store failures instead of logging and letting
	// the request through.
	FailClosed bool
}

// Limiter is a named fixed-window token bucket over a Store.
type Limiter struct {
	opts  Options
	store Store
}

// New creates a limiter. Window and Points must be positive.
func New(store Store, opts Options) *Limiter {
	if opts.CalcKey == nil {
		opts.CalcKey = ClientIPKey
	}
	if opts.CalcPoints == nil {
		opts.CalcPoints = func(*http.Request) int { return 1 }
	}
	return &Limiter{opts: opts, store: store}
}

// Consume charges the request against its bucket. A nil Status with nil
// error means the limiter skipped the request (no key, zero cost, or a
// fail-open store error). An overdrawn bucket returns its Status together
// with a RateLimitExceeded error.
func (l *Limiter) Consume(ctx context.Context, r *http.Request) (*Status, error) {
	key := l.opts.CalcKey(r)
	if key == "" {
		return nil, nil
	}
	points := l.opts.CalcPoints(r)
	if points <= 0 {
		return nil, nil
	}

	consumed, resetIn, first, err := l.store.Consume(ctx, l.storeKey(key), points, l.opts.Window)
	if err != nil {
		if l.opts.FailClosed {
			return nil, err
		}
		slog.LogAttrs(ctx, slog.LevelWarn, "rate limit store failure, failing open",
			slog.String("key_prefix", l.opts.KeyPrefix),
			slog.Any("error", err),
		)
		return nil, nil
	}

	status := &Status{
		Limit:             l.opts.Points,
		Duration:          l.opts.Window,
		ConsumedPoints:    min(consumed, l.opts.Points),
		RemainingPoints:   max(l.opts.Points-consumed, 0),
		MsBeforeNext:      resetIn.Milliseconds(),
		IsFirstInDuration: first,
	}
	if consumed > l.opts.Points {
		status.exceeded = true
		return status, xrpc.NewRateLimitExceeded("Rate Limit Exceeded")
	}
	return status, nil
}

// Reset clears the request's bucket, reversing a preliminary consumption.
func (l *Limiter) Reset(ctx context.Context, r *http.Request) error {
	key := l.opts.CalcKey(r)
	if key == "" {
		return nil
	}
	return l.store.Reset(ctx, l.storeKey(key))
}

func (l *Limiter) storeKey(key string) string {
	return l.opts.KeyPrefix + ":" + key
}

// ClientIPKey is the default bucket key: the first X-Forwarded-For hop,
// falling back to X-Real-Ip, then "unknown".
func ClientIPKey(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if i := strings.IndexByte(xff, ','); i >= 0 {
			xff = xff[:i]
		}
		if ip := strings.TrimSpace(xff); ip != "" {
			return ip
		}
	}
	if ip := r.Header.Get("X-Real-Ip"); ip != "" {
		return ip
	}
	return "unknown"
}

// WriteHeaders surfaces the tightest observed status in the standard
// RateLimit response headers.
func WriteHeaders(w http.ResponseWriter, s *Status) {
	if s == nil {
		return
	}
	h := w.Header()
	h.Set("RateLimit-Limit", strconv.Itoa(s.Limit))
	h.Set("RateLimit-Remaining", strconv.Itoa(s.RemainingPoints))
	reset := time.Now().Add(time.Duration(s.MsBeforeNext) * time.Millisecond).Unix()
	h.Set("RateLimit-Reset", strconv.FormatInt(reset, 10))
	h.Set("RateLimit-Policy", strconv.Itoa(s.Limit)+";w="+strconv.Itoa(int(s.Duration/time.Second)))
}
