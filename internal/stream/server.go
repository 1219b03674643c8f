// Package stream implements both halves of the subscription protocol: the
// per-connection server that drives a producer into CBOR frames, and the
// reconnecting client that consumes them.
package stream

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	xrpc "github.com/eugener/xrpcd/internal"
	"github.com/eugener/xrpcd/internal/frame"
)

const (
	writeTimeout = 10 * time.Second
	closeTimeout = 5 * time.Second
)

// Producer emits the message sequence for one connection. It must return
// promptly once ctx is canceled; the engine closes out after it returns.
type Producer func(ctx context.Context, out chan<- any) error

// Serve drives one upgraded subscription connection to completion: frames
// every produced value, closes 1000 on a clean end, and turns a producer
// error into a single error frame followed by a policy close. A client
// disconnect cancels the producer's context.
func Serve(ctx context.Context, conn *websocket.Conn, nsid string, produce Producer) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer conn.Close()

	// Reader goroutine: the server never expects data frames, but reading is
	// what services control frames and surfaces the client going away.
	go func() {
		for {
			if _, _, err := conn.NextReader(); err != nil {
				cancel()
				return
			}
		}
	}()

	out := make(chan any, 16)
	errCh := make(chan error, 1)
	go func() {
		defer close(out)
		errCh <- produce(ctx, out)
	}()
	// The producer owns no socket state; once we stop consuming, cancel and
	// drain so it can always finish its cleanup path.
	defer func() {
		cancel()
		go func() {
			for range out {
			}
		}()
	}()

	for v := range out {
		f := toFrame(nsid, v)
		b, err := f.ToBytes()
		if err != nil {
			slog.LogAttrs(ctx, slog.LevelError, "subscription frame encode failed",
				slog.String("nsid", nsid),
				slog.Any("error", err),
			)
			closeConn(conn, websocket.CloseInternalServerErr, "")
			return
		}
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteMessage(websocket.BinaryMessage, b); err != nil {
			return
		}
		if ef, ok := f.(*frame.ErrorFrame); ok {
			closeConn(conn, websocket.ClosePolicyViolation, ef.Error)
			return
		}
	}

	if err := <-errCh; err != nil {
		xe := xrpc.AsError(err)
		slog.LogAttrs(ctx, slog.LevelError, "subscription producer failed",
			slog.String("nsid", nsid),
			slog.Any("error", err),
		)
		ef := &frame.ErrorFrame{Error: xe.WireName(), Message: xe.WireMessage()}
		if b, encErr := ef.ToBytes(); encErr == nil {
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			conn.WriteMessage(websocket.BinaryMessage, b)
		}
		closeConn(conn, websocket.ClosePolicyViolation, xe.WireName())
		return
	}
	closeConn(conn, websocket.CloseNormalClosure, "")
}

// SendError writes one error frame and closes with the policy code. The
// dispatcher uses it for upgrade-time failures (bad params, auth) that must
// still travel over the socket.
func SendError(conn *websocket.Conn, name, message string) {
	defer conn.Close()
	ef := &frame.ErrorFrame{Error: name, Message: message}
	b, err := ef.ToBytes()
	if err != nil {
		return
	}
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if conn.WriteMessage(websocket.BinaryMessage, b) != nil {
		return
	}
	closeConn(conn, websocket.ClosePolicyViolation, name)
}

// toFrame converts a produced value into a wire frame. Maps carrying a
// $type that belongs to this subscription are rewritten to the relative
// "#name" form; foreign $type strings pass through unchanged. In both cases
// $type leaves the body.
func toFrame(nsid string, v any) frame.Frame {
	if f, ok := v.(frame.Frame); ok {
		return f
	}
	m, ok := v.(map[string]any)
	if !ok {
		return &frame.MessageFrame{Body: v}
	}
	t, ok := m["$type"].(string)
	if !ok || t == "" {
		return &frame.MessageFrame{Body: m}
	}

	body := make(map[string]any, len(m)-1)
	for k, val := range m {
		if k != "$type" {
			body[k] = val
		}
	}
	if rest, found := strings.CutPrefix(t, nsid); found && strings.HasPrefix(rest, "#") {
		t = rest
	}
	return &frame.MessageFrame{T: t, Body: body}
}

func closeConn(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeTimeout))
}
