package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"

	xrpc "github.com/eugener/xrpcd/internal"
	"github.com/eugener/xrpcd/internal/data"
	"github.com/eugener/xrpcd/internal/lexicon"
)

// DefaultBlobLimit bounds request bodies when the server sets no explicit
// limit.
const DefaultBlobLimit = 5 * 1024 * 1024

// ReadBody reads, decompresses, decodes, and validates a procedure body.
// A nil HandlerInput with nil error means the method takes no input and none
// was sent.
func ReadBody(r *http.Request, m *lexicon.Method, blobLimit int64) (*xrpc.HandlerInput, error) {
	if blobLimit <= 0 {
		blobLimit = DefaultBlobLimit
	}
	contentType := r.Header.Get("Content-Type")

	if m.Input == nil {
		// Presence is "non-empty body OR a content-type header is set".
		if contentType != "" {
			return nil, xrpc.NewInvalidRequest("A request body was provided when none was expected")
		}
		var probe [1]byte
		if n, _ := r.Body.Read(probe[:]); n > 0 {
			return nil, xrpc.NewInvalidRequest("A request body was provided when none was expected")
		}
		return nil, nil
	}

	if contentType == "" {
		return nil, xrpc.NewInvalidRequest("Request encoding (Content-Type) required but not provided")
	}
	base := baseMIME(contentType)
	if !EncodingMatches(m.Input.Encoding, base) {
		return nil, xrpc.NewInvalidRequest("Wrong request encoding (Content-Type): %s", contentType)
	}

	if r.ContentLength > blobLimit {
		return nil, xrpc.NewPayloadTooLarge("request entity too large")
	}
	raw, err := readLimited(r.Body, blobLimit)
	if err != nil {
		return nil, err
	}
	raw, err = decodeContentEncoding(raw, r.Header.Get("Content-Encoding"), blobLimit)
	if err != nil {
		return nil, err
	}

	input := &xrpc.HandlerInput{Encoding: base}
	switch {
	case isJSON(base):
		var body any
		if err := json.Unmarshal(raw, &body); err != nil {
			return nil, xrpc.NewInvalidRequest("unable to parse json body: %s", err.Error())
		}
		input.Body = data.Rehydrate(body)
	case strings.HasPrefix(base, "text/"):
		input.Body = string(raw)
	default:
		input.Body = raw
	}

	if err := lexicon.AssertValidXrpcInput(m, input.Body); err != nil {
		return nil, xrpc.NewInvalidRequest("%s", err.Error())
	}
	return input, nil
}

// decodeContentEncoding strips the Content-Encoding chain from raw,
// outermost (rightmost) encoding first. Every intermediate result is held to
// the blob limit so a small compressed body cannot balloon past it.
func decodeContentEncoding(raw []byte, header string, blobLimit int64) ([]byte, error) {
	if header == "" {
		return raw, nil
	}
	var encodings []string
	for _, enc := range strings.Split(header, ",") {
		enc = strings.ToLower(strings.TrimSpace(enc))
		if enc == "" || enc == "identity" {
			continue
		}
		switch enc {
		case "gzip", "deflate", "br":
			encodings = append(encodings, enc)
		default:
			return nil, xrpc.NewInvalidRequest("unsupported content-encoding: %s", enc)
		}
	}

	for i := len(encodings) - 1; i >= 0; i-- {
		var (
			dec io.Reader
			err error
		)
		src := bytes.NewReader(raw)
		switch encodings[i] {
		case "gzip":
			dec, err = gzip.NewReader(src)
		case "deflate":
			dec, err = zlib.NewReader(src)
		case "br":
			dec = brotli.NewReader(src)
		}
		if err != nil {
			return nil, xrpc.NewInvalidRequest("unable to decode request body: %s", err.Error())
		}
		raw, err = readLimited(dec, blobLimit)
		if err != nil {
			var xe *xrpc.Error
			if errors.As(err, &xe) {
				return nil, err
			}
			return nil, xrpc.NewInvalidRequest("unable to decode request body: %s", err.Error())
		}
	}
	return raw, nil
}

// readLimited reads all of src, failing with PayloadTooLarge once more than
// limit bytes accumulate.
func readLimited(src io.Reader, limit int64) ([]byte, error) {
	buf, err := io.ReadAll(io.LimitReader(src, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(buf)) > limit {
		return nil, xrpc.NewPayloadTooLarge("request entity too large")
	}
	return buf, nil
}

// EncodingMatches reports whether an actual base MIME type satisfies a
// declared input/output encoding.
func EncodingMatches(declared, actual string) bool {
	declared = baseMIME(declared)
	switch {
	case declared == "*/*":
		return true
	case declared == actual:
		return true
	case declared == "application/json" && isJSON(actual):
		return true
	}
	return false
}

// baseMIME lowercases a content type and strips its parameters.
func baseMIME(contentType string) string {
	if i := strings.IndexByte(contentType, ';'); i >= 0 {
		contentType = contentType[:i]
	}
	return strings.ToLower(strings.TrimSpace(contentType))
}

func isJSON(base string) bool {
	return base == "application/json" || strings.HasSuffix(base, "+json") || base == "json"
}
