package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"

	xrpc "github.com/eugener/xrpcd/internal"
	"github.com/eugener/xrpcd/internal/frame"
	"github.com/eugener/xrpcd/internal/lexicon"
	"github.com/eugener/xrpcd/internal/ratelimit"
	"github.com/eugener/xrpcd/internal/serviceauth"
)

func testRegistry(t *testing.T) *lexicon.Registry {
	t.Helper()
	reg := lexicon.NewRegistry()
	methods := []*lexicon.Method{
		{
			NSID: "io.example.pingOne",
			Type: lexicon.TypeQuery,
			Parameters: &lexicon.Schema{
				Type:       "params",
				Properties: map[string]*lexicon.Schema{"message": {Type: "string"}},
			},
			Output: &lexicon.BodySchema{Encoding: "text/plain"},
		},
		{
			NSID: "io.example.pingFour",
			Type: lexicon.TypeProcedure,
			Input: &lexicon.BodySchema{
				Encoding: "application/json",
				Schema: &lexicon.Schema{
					Type:       "object",
					Required:   []string{"message"},
					Properties: map[string]*lexicon.Schema{"message": {Type: "string"}},
				},
			},
			Output: &lexicon.BodySchema{Encoding: "application/json"},
		},
		{
			NSID: "io.example.ipldEcho",
			Type: lexicon.TypeProcedure,
			Input: &lexicon.BodySchema{
				Encoding: "application/json",
				Schema: &lexicon.Schema{
					Type:     "object",
					Required: []string{"cid", "bytes"},
					Properties: map[string]*lexicon.Schema{
						"cid":   {Type: "cid-link"},
						"bytes": {Type: "bytes"},
					},
				},
			},
			Output: &lexicon.BodySchema{Encoding: "application/json"},
		},
		{
			NSID:  "io.example.blobTest",
			Type:  lexicon.TypeProcedure,
			Input: &lexicon.BodySchema{Encoding: "*/*"},
			Output: &lexicon.BodySchema{Encoding: "application/octet-stream"},
		},
		{
			NSID: "io.example.streamOne",
			Type: lexicon.TypeSubscription,
			Parameters: &lexicon.Schema{
				Type:       "params",
				Required:   []string{"countdown"},
				Properties: map[string]*lexicon.Schema{"countdown": {Type: "integer"}},
			},
		},
	}
	for _, m := range methods {
		if err := reg.Add(m); err != nil {
			t.Fatalf("Add(%s): %v", m.NSID, err)
		}
	}
	return reg
}

func echoMessageQuery(ctx context.Context, rc *xrpc.RequestContext) (xrpc.HandlerOutput, error) {
	msg, _ := rc.Params["message"].(string)
	return &xrpc.BytesOutput{Encoding: "text/plain", Buffer: []byte(msg)}, nil
}

func echoBodyJSON(ctx context.Context, rc *xrpc.RequestContext) (xrpc.HandlerOutput, error) {
	return &xrpc.JSONOutput{Body: rc.Input.Body}, nil
}

func echoBodyBytes(ctx context.Context, rc *xrpc.RequestContext) (xrpc.HandlerOutput, error) {
	return &xrpc.BytesOutput{Encoding: "application/octet-stream", Buffer: rc.Input.Body.([]byte)}, nil
}

func countdownStream(ctx context.Context, rc *xrpc.RequestContext, out chan<- any) error {
	n := rc.Params["countdown"].(int64)
	for i := n; i >= 0; i-- {
		select {
		case out <- map[string]any{"count": i}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func newTestServer(t *testing.T, deps Deps) *Server {
	t.Helper()
	if deps.Lexicons == nil {
		deps.Lexicons = testRegistry(t)
	}
	s := New(deps)
	mustAdd := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatal(err)
		}
	}
	mustAdd(s.AddRoute("io.example.pingOne", RouteOptions{}, echoMessageQuery))
	mustAdd(s.AddRoute("io.example.pingFour", RouteOptions{}, echoBodyJSON))
	mustAdd(s.AddRoute("io.example.ipldEcho", RouteOptions{}, echoBodyJSON))
	mustAdd(s.AddRoute("io.example.blobTest", RouteOptions{}, echoBodyBytes))
	mustAdd(s.AddStreamMethod("io.example.streamOne", RouteOptions{}, countdownStream))
	return s
}

func do(s *Server, r *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, r)
	return w
}

func wantWireError(t *testing.T, w *httptest.ResponseRecorder, status int, name string) wireError {
	t.Helper()
	if w.Code != status {
		t.Fatalf("status = %d (%s), want %d", w.Code, w.Body.String(), status)
	}
	var we wireError
	if err := json.Unmarshal(w.Body.Bytes(), &we); err != nil {
		t.Fatalf("error body %q: %v", w.Body.String(), err)
	}
	if we.Error != name {
		t.Fatalf("error = %q (%s), want %q", we.Error, we.Message, name)
	}
	return we
}

func TestQueryEcho(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, Deps{})

	w := do(s, httptest.NewRequest(http.MethodGet, "/xrpc/io.example.pingOne?message=hello%20world", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/plain; charset=utf-8" {
		t.Errorf("content type = %q", ct)
	}
	if w.Body.String() != "hello world" {
		t.Errorf("body = %q", w.Body.String())
	}
}

func TestProcedureJSONRoundTrip(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, Deps{})

	r := httptest.NewRequest(http.MethodPost, "/xrpc/io.example.pingFour", strings.NewReader(`{"message":"hello world"}`))
	r.Header.Set("Content-Type", "application/json")
	w := do(s, r)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("content type = %q", ct)
	}
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["message"] != "hello world" {
		t.Errorf("body = %#v", body)
	}
}

func TestProcedureIPLDEcho(t *testing.T) {
	t.Parallel()
	const cidStr = "bafyreidfayvfuwqa7qlnopdjiqrxzs6blmoeu4rujcjtnci5beludirz2a"
	s := newTestServer(t, Deps{})

	doc := `{"cid":{"$link":"` + cidStr + `"},"bytes":{"$bytes":"AAECAw"}}`
	r := httptest.NewRequest(http.MethodPost, "/xrpc/io.example.ipldEcho", strings.NewReader(doc))
	r.Header.Set("Content-Type", "application/json")
	w := do(s, r)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}

	var body struct {
		CID   map[string]string `json:"cid"`
		Bytes map[string]string `json:"bytes"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.CID["$link"] != cidStr {
		t.Errorf("cid = %#v", body.CID)
	}
	raw, err := base64.RawStdEncoding.DecodeString(body.Bytes["$bytes"])
	if err != nil || !bytes.Equal(raw, []byte{0, 1, 2, 3}) {
		t.Errorf("bytes = %#v (%v)", body.Bytes, err)
	}
}

func TestSubscriptionCountdown(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, Deps{})
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/xrpc/io.example.streamOne?countdown=5"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	for i := 5; i >= 0; i-- {
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, payload, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read frame %d: %v", i, err)
		}
		f, err := frame.FromBytes(payload)
		if err != nil {
			t.Fatal(err)
		}
		mf, ok := f.(*frame.MessageFrame)
		if !ok {
			t.Fatalf("frame = %#v, want message", f)
		}
		if got := mf.Body.(map[string]any)["count"]; got != uint64(i) {
			t.Errorf("count = %#v, want %d", got, i)
		}
	}
	_, _, err = conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Errorf("final read = %v, want normal close", err)
	}
}

func TestSubscriptionBadParam(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, Deps{})
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/xrpc/io.example.streamOne"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	f, err := frame.FromBytes(payload)
	if err != nil {
		t.Fatal(err)
	}
	ef, ok := f.(*frame.ErrorFrame)
	if !ok {
		t.Fatalf("frame = %#v, want error", f)
	}
	if ef.Error != "InvalidRequest" {
		t.Errorf("error = %q", ef.Error)
	}
	if ef.Message != `Error: Params must have the property "countdown"` {
		t.Errorf("message = %q", ef.Message)
	}
	_, _, err = conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Errorf("final read = %v, want policy close", err)
	}
}

func TestRouteRateLimit(t *testing.T) {
	t.Parallel()
	deps := Deps{Lexicons: testRegistry(t)}
	s := New(deps)
	opts := RouteOptions{RateLimits: []RateLimit{{Window: 5 * time.Minute, Points: 5}}}
	if err := s.AddRoute("io.example.pingOne", opts, echoMessageQuery); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 5; i++ {
		w := do(s, httptest.NewRequest(http.MethodGet, "/xrpc/io.example.pingOne?message=x", nil))
		if w.Code != http.StatusOK {
			t.Fatalf("call %d status = %d", i+1, w.Code)
		}
	}
	w := do(s, httptest.NewRequest(http.MethodGet, "/xrpc/io.example.pingOne?message=x", nil))
	we := wantWireError(t, w, http.StatusTooManyRequests, "RateLimitExceeded")
	if we.Message != "Rate Limit Exceeded" {
		t.Errorf("message = %q", we.Message)
	}
	if got := w.Header().Get("RateLimit-Remaining"); got != "0" {
		t.Errorf("RateLimit-Remaining = %q", got)
	}
}

func TestBasicAuthBeforeValidation(t *testing.T) {
	t.Parallel()
	deps := Deps{Lexicons: testRegistry(t)}
	s := New(deps)
	opts := RouteOptions{Auth: serviceauth.BasicVerifier("admin", "password")}
	if err := s.AddRoute("io.example.pingFour", opts, echoBodyJSON); err != nil {
		t.Fatal(err)
	}

	good := httptest.NewRequest(http.MethodPost, "/xrpc/io.example.pingFour", strings.NewReader(`{"message":"hi"}`))
	good.Header.Set("Content-Type", "application/json")
	good.SetBasicAuth("admin", "password")
	if w := do(s, good); w.Code != http.StatusOK {
		t.Fatalf("authed call status = %d: %s", w.Code, w.Body.String())
	}

	// Wrong password and a body that would also fail validation: the auth
	// error must win.
	bad := httptest.NewRequest(http.MethodPost, "/xrpc/io.example.pingFour", strings.NewReader(`{{{not json`))
	bad.Header.Set("Content-Type", "application/json")
	bad.SetBasicAuth("admin", "wrong")
	w := do(s, bad)
	we := wantWireError(t, w, http.StatusUnauthorized, "AuthenticationRequired")
	if we.Message != "Authentication Required" {
		t.Errorf("message = %q", we.Message)
	}
}

func TestBlobSizeGuard(t *testing.T) {
	t.Parallel()
	const limit = 5000
	s := newTestServer(t, Deps{BlobLimit: limit})

	post := func(body io.Reader) *http.Request {
		r := httptest.NewRequest(http.MethodPost, "/xrpc/io.example.blobTest", body)
		r.Header.Set("Content-Type", "application/octet-stream")
		return r
	}

	if w := do(s, post(bytes.NewReader(bytes.Repeat([]byte{'a'}, limit)))); w.Code != http.StatusOK {
		t.Fatalf("body at limit status = %d", w.Code)
	}

	over := bytes.Repeat([]byte{'a'}, limit+1)
	w := do(s, post(bytes.NewReader(over)))
	we := wantWireError(t, w, http.StatusRequestEntityTooLarge, "PayloadTooLarge")
	if we.Message != "request entity too large" {
		t.Errorf("message = %q", we.Message)
	}

	// Streamed with unknown Content-Length.
	streamed := post(io.MultiReader(bytes.NewReader(over)))
	if streamed.ContentLength > 0 {
		t.Fatal("test requires unknown content length")
	}
	wantWireError(t, do(s, streamed), http.StatusRequestEntityTooLarge, "PayloadTooLarge")
}

func TestContentEncodingChain(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, Deps{})
	original := bytes.Repeat([]byte{0xCD}, 1024)

	var gz bytes.Buffer
	gw := gzip.NewWriter(&gz)
	gw.Write(original)
	gw.Close()
	var zl bytes.Buffer
	zw := zlib.NewWriter(&zl)
	zw.Write(gz.Bytes())
	zw.Close()

	r := httptest.NewRequest(http.MethodPost, "/xrpc/io.example.blobTest", bytes.NewReader(zl.Bytes()))
	r.Header.Set("Content-Type", "application/octet-stream")
	r.Header.Set("Content-Encoding", "gzip, identity, deflate, identity, identity")
	w := do(s, r)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	if !bytes.Equal(w.Body.Bytes(), original) {
		t.Error("echoed body does not match the original bytes")
	}
}

func TestCatchAll(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, Deps{})

	w := do(s, httptest.NewRequest(http.MethodGet, "/xrpc/io.example.unknown", nil))
	wantWireError(t, w, http.StatusNotImplemented, "MethodNotImplemented")

	w = do(s, httptest.NewRequest(http.MethodPost, "/xrpc/io.example.pingOne", nil))
	we := wantWireError(t, w, http.StatusBadRequest, "InvalidRequest")
	if !strings.Contains(we.Message, "expected GET") {
		t.Errorf("message = %q", we.Message)
	}

	w = do(s, httptest.NewRequest(http.MethodGet, "/xrpc/..bad..", nil))
	we = wantWireError(t, w, http.StatusBadRequest, "InvalidRequest")
	if we.Message != "invalid xrpc path" {
		t.Errorf("message = %q", we.Message)
	}

	// A known method with the right verb but no bound handler is
	// unimplemented, not a verb mismatch.
	bare := New(Deps{Lexicons: testRegistry(t)})
	w = do(bare, httptest.NewRequest(http.MethodGet, "/xrpc/io.example.pingOne?message=x", nil))
	wantWireError(t, w, http.StatusNotImplemented, "MethodNotImplemented")
}

func TestTrailingSlash(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, Deps{})

	w := do(s, httptest.NewRequest(http.MethodGet, "/xrpc/io.example.pingOne/?message=hello", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if got := w.Body.String(); got != "hello" {
		t.Errorf("body = %q, want %q", got, "hello")
	}

	body := strings.NewReader(`{"message":"hi"}`)
	r := httptest.NewRequest(http.MethodPost, "/xrpc/io.example.pingFour/", body)
	r.Header.Set("Content-Type", "application/json")
	w = do(s, r)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
}

func TestSubscriptionWithoutUpgrade(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, Deps{})
	w := do(s, httptest.NewRequest(http.MethodGet, "/xrpc/io.example.streamOne?countdown=1", nil))
	we := wantWireError(t, w, http.StatusBadRequest, "InvalidRequest")
	if !strings.Contains(we.Message, "WebSocket") {
		t.Errorf("message = %q", we.Message)
	}
}

func TestRateLimitBeforeValidation(t *testing.T) {
	t.Parallel()
	deps := Deps{Lexicons: testRegistry(t)}
	s := New(deps)
	opts := RouteOptions{RateLimits: []RateLimit{{Window: time.Minute, Points: 1}}}
	if err := s.AddRoute("io.example.pingFour", opts, echoBodyJSON); err != nil {
		t.Fatal(err)
	}

	first := httptest.NewRequest(http.MethodPost, "/xrpc/io.example.pingFour", strings.NewReader(`{"message":"x"}`))
	first.Header.Set("Content-Type", "application/json")
	if w := do(s, first); w.Code != http.StatusOK {
		t.Fatalf("first call status = %d", w.Code)
	}

	// Overdrawn bucket and a schema-invalid body: the 429 must win.
	second := httptest.NewRequest(http.MethodPost, "/xrpc/io.example.pingFour", strings.NewReader(`{}`))
	second.Header.Set("Content-Type", "application/json")
	wantWireError(t, do(s, second), http.StatusTooManyRequests, "RateLimitExceeded")
}

func TestRateLimitBypass(t *testing.T) {
	t.Parallel()
	deps := Deps{
		Lexicons: testRegistry(t),
		RateLimitBypass: func(r *http.Request) bool {
			return r.Header.Get("X-Internal") == "1"
		},
	}
	s := New(deps)
	opts := RouteOptions{RateLimits: []RateLimit{{Window: time.Minute, Points: 1}}}
	if err := s.AddRoute("io.example.pingOne", opts, echoMessageQuery); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 5; i++ {
		r := httptest.NewRequest(http.MethodGet, "/xrpc/io.example.pingOne?message=x", nil)
		r.Header.Set("X-Internal", "1")
		if w := do(s, r); w.Code != http.StatusOK {
			t.Fatalf("bypassed call %d status = %d", i+1, w.Code)
		}
	}
	// Without the header the single point is still available, then gone.
	if w := do(s, httptest.NewRequest(http.MethodGet, "/xrpc/io.example.pingOne?message=x", nil)); w.Code != http.StatusOK {
		t.Fatalf("unbypassed first call status = %d", w.Code)
	}
	w := do(s, httptest.NewRequest(http.MethodGet, "/xrpc/io.example.pingOne?message=x", nil))
	wantWireError(t, w, http.StatusTooManyRequests, "RateLimitExceeded")
}

func TestResetRouteRateLimits(t *testing.T) {
	t.Parallel()
	deps := Deps{Lexicons: testRegistry(t)}
	s := New(deps)
	opts := RouteOptions{RateLimits: []RateLimit{{Window: time.Minute, Points: 2}}}
	handler := func(ctx context.Context, rc *xrpc.RequestContext) (xrpc.HandlerOutput, error) {
		if err := rc.ResetRouteRateLimits(ctx); err != nil {
			return nil, err
		}
		return nil, nil
	}
	if err := s.AddRoute("io.example.pingOne", opts, handler); err != nil {
		t.Fatal(err)
	}

	// Each call consumes a point and hands it back; the budget never runs out.
	for i := 0; i < 10; i++ {
		w := do(s, httptest.NewRequest(http.MethodGet, "/xrpc/io.example.pingOne?message=x", nil))
		if w.Code != http.StatusOK {
			t.Fatalf("call %d status = %d", i+1, w.Code)
		}
	}
}

func TestSharedRateLimit(t *testing.T) {
	t.Parallel()
	deps := Deps{Lexicons: testRegistry(t)}
	s := New(deps)
	s.AddSharedRateLimit("expensive", ratelimit.Options{Window: time.Minute, Points: 2})
	opts := RouteOptions{RateLimits: []RateLimit{{Name: "expensive"}}}
	if err := s.AddRoute("io.example.pingOne", opts, echoMessageQuery); err != nil {
		t.Fatal(err)
	}
	if err := s.AddRoute("io.example.pingFour", opts, echoBodyJSON); err != nil {
		t.Fatal(err)
	}

	// Two methods draw from the same bucket.
	if w := do(s, httptest.NewRequest(http.MethodGet, "/xrpc/io.example.pingOne?message=x", nil)); w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	r := httptest.NewRequest(http.MethodPost, "/xrpc/io.example.pingFour", strings.NewReader(`{"message":"x"}`))
	r.Header.Set("Content-Type", "application/json")
	if w := do(s, r); w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	w := do(s, httptest.NewRequest(http.MethodGet, "/xrpc/io.example.pingOne?message=x", nil))
	wantWireError(t, w, http.StatusTooManyRequests, "RateLimitExceeded")
}

func TestInternalErrorSuppressed(t *testing.T) {
	t.Parallel()
	deps := Deps{Lexicons: testRegistry(t)}
	s := New(deps)
	handler := func(ctx context.Context, rc *xrpc.RequestContext) (xrpc.HandlerOutput, error) {
		return nil, errors.New("pg: connection string leaked")
	}
	if err := s.AddRoute("io.example.pingOne", RouteOptions{}, handler); err != nil {
		t.Fatal(err)
	}

	w := do(s, httptest.NewRequest(http.MethodGet, "/xrpc/io.example.pingOne?message=x", nil))
	we := wantWireError(t, w, http.StatusInternalServerError, "InternalServerError")
	if strings.Contains(we.Message, "leaked") {
		t.Errorf("internal detail leaked: %q", we.Message)
	}
}

func TestErrorOutputCustomName(t *testing.T) {
	t.Parallel()
	deps := Deps{Lexicons: testRegistry(t)}
	s := New(deps)
	handler := func(ctx context.Context, rc *xrpc.RequestContext) (xrpc.HandlerOutput, error) {
		return &xrpc.ErrorOutput{Status: 400, Name: "DuplicateCreate", Message: "record already exists"}, nil
	}
	if err := s.AddRoute("io.example.pingOne", RouteOptions{}, handler); err != nil {
		t.Fatal(err)
	}

	w := do(s, httptest.NewRequest(http.MethodGet, "/xrpc/io.example.pingOne?message=x", nil))
	we := wantWireError(t, w, http.StatusBadRequest, "DuplicateCreate")
	if we.Message != "record already exists" {
		t.Errorf("message = %q", we.Message)
	}
}

type quotaError struct{ scope string }

func (e *quotaError) Error() string { return "quota exhausted: " + e.scope }

func TestErrorParser(t *testing.T) {
	t.Parallel()
	deps := Deps{
		Lexicons: testRegistry(t),
		ErrorParser: func(err error) *xrpc.Error {
			var qe *quotaError
			if errors.As(err, &qe) {
				return xrpc.NewNotEnoughResources("quota exhausted")
			}
			return nil
		},
	}
	s := New(deps)
	handler := func(ctx context.Context, rc *xrpc.RequestContext) (xrpc.HandlerOutput, error) {
		return nil, &quotaError{scope: "storage"}
	}
	if err := s.AddRoute("io.example.pingOne", RouteOptions{}, handler); err != nil {
		t.Fatal(err)
	}

	w := do(s, httptest.NewRequest(http.MethodGet, "/xrpc/io.example.pingOne?message=x", nil))
	wantWireError(t, w, http.StatusInsufficientStorage, "NotEnoughResources")
}

func TestPanicRecovery(t *testing.T) {
	t.Parallel()
	deps := Deps{Lexicons: testRegistry(t)}
	s := New(deps)
	handler := func(ctx context.Context, rc *xrpc.RequestContext) (xrpc.HandlerOutput, error) {
		panic("boom")
	}
	if err := s.AddRoute("io.example.pingOne", RouteOptions{}, handler); err != nil {
		t.Fatal(err)
	}

	w := do(s, httptest.NewRequest(http.MethodGet, "/xrpc/io.example.pingOne?message=x", nil))
	wantWireError(t, w, http.StatusInternalServerError, "InternalServerError")
}

func TestHealthEndpoints(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, Deps{})
	if w := do(s, httptest.NewRequest(http.MethodGet, "/healthz", nil)); w.Code != http.StatusOK {
		t.Errorf("healthz = %d", w.Code)
	}
	if w := do(s, httptest.NewRequest(http.MethodGet, "/readyz", nil)); w.Code != http.StatusOK {
		t.Errorf("readyz = %d", w.Code)
	}

	notReady := newTestServer(t, Deps{ReadyCheck: func(ctx context.Context) error {
		return errors.New("registry still loading")
	}})
	if w := do(notReady, httptest.NewRequest(http.MethodGet, "/readyz", nil)); w.Code != http.StatusServiceUnavailable {
		t.Errorf("readyz = %d, want 503", w.Code)
	}
}

func TestHealthMethod(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, Deps{Version: "1.2.3"})
	w := do(s, httptest.NewRequest(http.MethodGet, "/xrpc/_health", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["version"] != "1.2.3" {
		t.Errorf("version = %q, want 1.2.3", body["version"])
	}

	down := newTestServer(t, Deps{Version: "1.2.3", ReadyCheck: func(ctx context.Context) error {
		return errors.New("store unreachable")
	}})
	w = do(down, httptest.NewRequest(http.MethodGet, "/xrpc/_health", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["error"] != "Service Unavailable" || body["version"] != "1.2.3" {
		t.Errorf("body = %v", body)
	}
}

func TestRequestIDHeader(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, Deps{})
	w := do(s, httptest.NewRequest(http.MethodGet, "/xrpc/io.example.pingOne?message=x", nil))
	if w.Header().Get("X-Request-Id") == "" {
		t.Error("missing X-Request-Id header")
	}

	r := httptest.NewRequest(http.MethodGet, "/xrpc/io.example.pingOne?message=x", nil)
	r.Header.Set("X-Request-Id", "given-id")
	w = do(s, r)
	if got := w.Header().Get("X-Request-Id"); got != "given-id" {
		t.Errorf("X-Request-Id = %q, want the caller's value", got)
	}
}
