package xrpc

import "context"

type contextKey int

const ctxKeyMeta contextKey = 0

// requestMeta travels with the request context. Fields set after creation are
// stored by mutation of the same pointer, avoiding a second context.WithValue
// and Request.WithContext per middleware stage.
type requestMeta struct {
	RequestID string
	NSID      string
	Auth      *AuthOutput
}

func metaFromContext(ctx context.Context) *requestMeta {
	m, _ := ctx.Value(ctxKeyMeta).(*requestMeta)
	return m
}

// ContextWithRequestID returns a context carrying the given request ID.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	if m := metaFromContext(ctx); m != nil {
		m.RequestID = id
		return ctx
	}
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{RequestID: id})
}

// RequestIDFromContext extracts the request ID from ctx, or "".
func RequestIDFromContext(ctx context.Context) string {
	if m := metaFromContext(ctx); m != nil {
		return m.RequestID
	}
	return ""
}

// ContextWithNSID records the resolved method NSID for the request. The
// locals middleware calls this before auth runs, so every later stage and the
// error logger can name the method.
func ContextWithNSID(ctx context.Context, nsid string) context.Context {
	if m := metaFromContext(ctx); m != nil {
		m.NSID = nsid
		return ctx
	}
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{NSID: nsid})
}

// NSIDFromContext extracts the resolved method NSID, or "".
func NSIDFromContext(ctx context.Context) string {
	if m := metaFromContext(ctx); m != nil {
		return m.NSID
	}
	return ""
}

// ContextWithAuth stores the verifier result. Auth starts as none; it is set
// exactly once per request, on successful verification.
func ContextWithAuth(ctx context.Context, auth *AuthOutput) context.Context {
	if m := metaFromContext(ctx); m != nil {
		m.Auth = auth
		return ctx
	}
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{Auth: auth})
}

// AuthFromContext extracts the verifier result, or nil when the request is
// unauthenticated.
func AuthFromContext(ctx context.Context) *AuthOutput {
	if m := metaFromContext(ctx); m != nil {
		return m.Auth
	}
	return nil
}
