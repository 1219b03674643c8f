package codec

import (
	"errors"
	"net/url"
	"reflect"
	"testing"

	xrpc "github.com/eugener/xrpcd/internal"
	"github.com/eugener/xrpcd/internal/lexicon"
)

func paramsMethod() *lexicon.Method {
	return &lexicon.Method{
		NSID: "io.example.params",
		Type: lexicon.TypeQuery,
		Parameters: &lexicon.Schema{
			Type:     "params",
			Required: []string{"message"},
			Properties: map[string]*lexicon.Schema{
				"message": {Type: "string"},
				"count":   {Type: "integer"},
				"ratio":   {Type: "float"},
				"flag":    {Type: "boolean"},
				"when":    {Type: "datetime"},
				"tags":    {Type: "array", Items: &lexicon.Schema{Type: "string"}},
				"ids":     {Type: "array", Items: &lexicon.Schema{Type: "integer"}},
			},
		},
	}
}

func TestDecodeParams(t *testing.T) {
	t.Parallel()
	m := paramsMethod()

	query := url.Values{
		"message": {"hello world"},
		"count":   {"42"},
		"ratio":   {"1.5"},
		"flag":    {"true"},
		"when":    {"2024-01-15T10:00:00Z"},
		"tags":    {"a", "b"},
		"ids":     {"7"},
		"extra":   {"ignored"},
	}
	got, err := DecodeParams(m, query)
	if err != nil {
		t.Fatalf("DecodeParams: %v", err)
	}
	want := xrpc.Params{
		"message": "hello world",
		"count":   int64(42),
		"ratio":   1.5,
		"flag":    true,
		"when":    "2024-01-15T10:00:00Z",
		"tags":    []any{"a", "b"},
		"ids":     []any{int64(7)},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("params = %#v, want %#v", got, want)
	}
}

func TestDecodeParamsWidening(t *testing.T) {
	t.Parallel()
	m := paramsMethod()

	// Non-parsing integers widen to 0; booleans are strictly "true".
	got, err := DecodeParams(m, url.Values{
		"message": {"x"},
		"count":   {"not-a-number"},
		"flag":    {"TRUE"},
	})
	if err != nil {
		t.Fatalf("DecodeParams: %v", err)
	}
	if got["count"] != int64(0) {
		t.Errorf("count = %#v, want 0", got["count"])
	}
	if got["flag"] != false {
		t.Errorf("flag = %#v, want false", got["flag"])
	}
}

func TestDecodeParamsOmitsAbsent(t *testing.T) {
	t.Parallel()
	got, err := DecodeParams(paramsMethod(), url.Values{"message": {"x"}})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Errorf("params = %#v, want only message", got)
	}
	if _, present := got["count"]; present {
		t.Error("absent optional key stored")
	}
}

func TestDecodeParamsValidation(t *testing.T) {
	t.Parallel()
	_, err := DecodeParams(paramsMethod(), url.Values{})
	if err == nil {
		t.Fatal("missing required param accepted")
	}
	var xe *xrpc.Error
	if !errors.As(err, &xe) || xe.Status != 400 {
		t.Fatalf("err = %v, want InvalidRequest", err)
	}
	if xe.Message != `Params must have the property "message"` {
		t.Errorf("message = %q", xe.Message)
	}

	_, err = DecodeParams(paramsMethod(), url.Values{"message": {"x"}, "when": {"not-a-date"}})
	if err == nil {
		t.Error("bad datetime accepted")
	}
}
