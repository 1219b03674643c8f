package nsid

import (
	"errors"
	"testing"

	xrpc "github.com/eugener/xrpcd/internal"
)

func TestParseValid(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want string
	}{
		{"/xrpc/io.example.pingOne", "io.example.pingOne"},
		{"/xrpc/io.example.pingOne?message=hello", "io.example.pingOne"},
		{"/xrpc/io.example.pingOne/", "io.example.pingOne"},
		{"/xrpc/io.example.pingOne/?message=hello", "io.example.pingOne"},
		{"/xrpc/com.atproto.sync.subscribeRepos", "com.atproto.sync.subscribeRepos"},
		{"/xrpc/a.b", "a.b"},
		{"/xrpc/ab", "ab"},
		{"/xrpc/app.bsky-test.feed", "app.bsky-test.feed"},
		{"http://localhost:8080/xrpc/io.example.pingOne?message=x", "io.example.pingOne"},
		{"wss://bsky.network/xrpc/com.atproto.sync.subscribeRepos", "com.atproto.sync.subscribeRepos"},
	}
	for _, tt := range tests {
		got, err := Parse(tt.in)
		if err != nil {
			t.Errorf("Parse(%q) error: %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("Parse(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestParseInvalid(t *testing.T) {
	t.Parallel()
	tests := []string{
		"",
		"/",
		"/xrpc",
		"/xrpc/",
		"/xrpc/a",
		"/xrpc/.ab",
		"/xrpc/ab.",
		"/xrpc/ab-",
		"/xrpc/-ab",
		"/xrpc/a..b",
		"/xrpc/a.-b",
		"/xrpc/io.example.pingOne/extra",
		"/xrpc/io.example.ping One",
		"/xrpc/io.example.ping%20One",
		"/other/io.example.pingOne",
		"/xrpc/io.example.p!ng",
	}
	for _, in := range tests {
		got, err := Parse(in)
		if err == nil {
			t.Errorf("Parse(%q) = %q, want error", in, got)
			continue
		}
		var xe *xrpc.Error
		if !errors.As(err, &xe) || xe.Status != 400 {
			t.Errorf("Parse(%q) error = %v, want InvalidRequest", in, err)
		}
		if xe.Message != "invalid xrpc path" {
			t.Errorf("Parse(%q) message = %q", in, xe.Message)
		}
	}
}

func TestValid(t *testing.T) {
	t.Parallel()
	valid := []string{"io.example.ping", "a.b", "app.bsky-test.feed.getTimeline"}
	for _, s := range valid {
		if !Valid(s) {
			t.Errorf("Valid(%q) = false, want true", s)
		}
	}
	invalid := []string{"", "single", "a..b", ".a.b", "a.b.", "a.-b", "a.b-", "a b.c"}
	for _, s := range invalid {
		if Valid(s) {
			t.Errorf("Valid(%q) = true, want false", s)
		}
	}
}
