package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/dnscache"

	"github.com/eugener/xrpcd/internal/frame"
)

const (
	defaultHeartbeatInterval = 10 * time.Second
	defaultMaxReconnect      = 30 * time.Second
	handshakeTimeout         = 15 * time.Second
)

// StreamError is the terminal error carried by an error frame. It ends the
// subscription without a reconnect attempt.
type StreamError struct {
	Name    string
	Message string
}

func (e *StreamError) Error() string {
	if e.Message == "" {
		return e.Name
	}
	return e.Name + ": " + e.Message
}

// Event is one item from a subscription: a validated message or the error
// that ended the stream. At most one Event carries a non-nil Err, and it is
// always the last.
type Event struct {
	Value any
	Err   error
}

// SubscriptionOptions configures a reconnecting subscription consumer.
type SubscriptionOptions struct {
	// Service is the server base URL, http(s) or ws(s) scheme.
	Service string
	// NSID names the subscription method.
	NSID string
	// Headers are sent on every dial attempt.
	Headers http.Header
	// GetParams recomputes the query string before each attempt, letting a
	// resumed connection pick up from a cursor. Nil means no parameters.
	GetParams func(ctx context.Context) (url.Values, error)
	// Validate inspects a parsed message and returns the value to yield, or
	// nil to skip the message. Nil yields every message as-is.
	Validate func(v map[string]any) any

	HeartbeatInterval time.Duration
	MaxReconnect      time.Duration

	// Resolver caches DNS lookups across reconnects. Optional.
	Resolver *dnscache.Resolver
}

// Subscription consumes a server's subscription method, transparently
// reconnecting across transient network failures.
type Subscription struct {
	opts   SubscriptionOptions
	dialer *websocket.Dialer
}

// NewSubscription validates the options and prepares the dialer. The
// connection is not opened until Events is called.
func NewSubscription(opts SubscriptionOptions) (*Subscription, error) {
	if opts.Service == "" {
		return nil, errors.New("subscription: service URL required")
	}
	if opts.NSID == "" {
		return nil, errors.New("subscription: nsid required")
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = defaultHeartbeatInterval
	}
	if opts.MaxReconnect <= 0 {
		opts.MaxReconnect = defaultMaxReconnect
	}

	dialer := &websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	if opts.Resolver != nil {
		resolver := opts.Resolver
		d := &net.Dialer{Timeout: handshakeTimeout}
		dialer.NetDialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			ips, err := resolver.LookupHost(ctx, host)
			if err != nil {
				return nil, err
			}
			if len(ips) == 0 {
				return nil, fmt.Errorf("no addresses for %s", host)
			}
			return d.DialContext(ctx, network, net.JoinHostPort(ips[0], port))
		}
	}
	return &Subscription{opts: opts, dialer: dialer}, nil
}

// Events opens the subscription and returns its message channel. The channel
// closes when ctx is canceled, the server closes cleanly, or a terminal error
// arrives; transient network failures reconnect silently.
func (s *Subscription) Events(ctx context.Context) <-chan Event {
	events := make(chan Event)
	go s.run(ctx, events)
	return events
}

func (s *Subscription) run(ctx context.Context, events chan<- Event) {
	defer close(events)

	attempt := 0
	for {
		if attempt > 0 {
			if !sleepCtx(ctx, s.backoff(attempt)) {
				return
			}
		}

		opened, err := s.connect(ctx, events)
		if opened {
			// A successful open restarts the backoff schedule, so a
			// long-lived subscription that keeps getting dropped redials
			// promptly instead of creeping toward the maximum wait.
			attempt = 0
		}
		switch {
		case err == nil:
			// Clean close from the server ends the iterator.
			return
		case ctx.Err() != nil:
			return
		case isReconnectable(err):
			attempt++
		default:
			sendEvent(ctx, events, Event{Err: err})
			return
		}
	}
}

// backoff returns the wait before reconnect attempt n. The first retry waits
// a capped second; later retries double with jitter up to the maximum.
func (s *Subscription) backoff(n int) time.Duration {
	if n == 1 {
		return min(time.Second, s.opts.MaxReconnect)
	}
	jitter := rand.Float64() - 0.5
	ms := 1000 * (math.Pow(2, float64(n-1)) + jitter)
	return min(s.opts.MaxReconnect, time.Duration(ms*float64(time.Millisecond)))
}

// connect runs a single connection to completion. A nil error means the
// server closed cleanly; callers decide retry from the error class. opened
// reports whether the dial succeeded, regardless of how the connection ended.
func (s *Subscription) connect(ctx context.Context, events chan<- Event) (opened bool, _ error) {
	target, err := s.resolveURL(ctx)
	if err != nil {
		return false, err
	}

	conn, resp, err := s.dialer.DialContext(ctx, target, s.opts.Headers)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return false, err
	}
	defer conn.Close()

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var stale atomic.Bool
	go s.heartbeat(connCtx, conn, &stale)
	go func() {
		<-connCtx.Done()
		conn.Close()
	}()

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return true, ctx.Err()
			}
			if stale.Load() {
				// The heartbeat gave up on this socket; treat like an
				// abnormal close and redial.
				return true, &websocket.CloseError{Code: websocket.CloseAbnormalClosure}
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return true, nil
			}
			return true, err
		}

		f, err := frame.FromBytes(payload)
		if err != nil {
			return true, fmt.Errorf("parse frame: %w", err)
		}
		switch f := f.(type) {
		case *frame.ErrorFrame:
			return true, &StreamError{Name: f.Error, Message: f.Message}
		case *frame.MessageFrame:
			v := s.parseMessage(f)
			if v == nil {
				continue
			}
			if !sendEvent(ctx, events, Event{Value: v}) {
				return true, ctx.Err()
			}
		}
	}
}

// parseMessage rebuilds $type from the frame header on a shallow copy of the
// body and runs the validate hook.
func (s *Subscription) parseMessage(f *frame.MessageFrame) any {
	body, ok := f.Body.(map[string]any)
	if !ok {
		if s.opts.Validate != nil {
			return nil
		}
		return f.Body
	}
	if f.T != "" {
		copied := make(map[string]any, len(body)+1)
		for k, v := range body {
			copied[k] = v
		}
		if strings.HasPrefix(f.T, "#") {
			copied["$type"] = s.opts.NSID + f.T
		} else {
			copied["$type"] = f.T
		}
		body = copied
	}
	if s.opts.Validate != nil {
		return s.opts.Validate(body)
	}
	return body
}

// heartbeat pings on a fixed interval and closes the socket once a full
// interval passes without a pong.
func (s *Subscription) heartbeat(ctx context.Context, conn *websocket.Conn, stale *atomic.Bool) {
	var alive atomic.Bool
	alive.Store(true)
	conn.SetPongHandler(func(string) error {
		alive.Store(true)
		return nil
	})

	ticker := time.NewTicker(s.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !alive.Load() {
				stale.Store(true)
				conn.Close()
				return
			}
			alive.Store(false)
			conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
		}
	}
}

func (s *Subscription) resolveURL(ctx context.Context) (string, error) {
	u, err := url.Parse(s.opts.Service)
	if err != nil {
		return "", fmt.Errorf("parse service URL: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported service scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/xrpc/" + s.opts.NSID

	if s.opts.GetParams != nil {
		params, err := s.opts.GetParams(ctx)
		if err != nil {
			return "", err
		}
		u.RawQuery = params.Encode()
	}
	return u.String(), nil
}

// isReconnectable reports whether an error represents a transient network
// failure worth redialing for.
func isReconnectable(err error) bool {
	if websocket.IsCloseError(err, websocket.CloseAbnormalClosure) {
		return true
	}
	for _, errno := range []syscall.Errno{
		syscall.ECONNRESET,
		syscall.ECONNREFUSED,
		syscall.ECONNABORTED,
		syscall.EPIPE,
		syscall.ETIMEDOUT,
		syscall.ECANCELED,
	} {
		if errors.Is(err, errno) {
			return true
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, io.ErrUnexpectedEOF)
}

func sendEvent(ctx context.Context, events chan<- Event, ev Event) bool {
	select {
	case events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
