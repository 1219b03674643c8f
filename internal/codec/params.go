// Package codec decodes the wire halves of an XRPC call: query parameters
// into typed values per the method's parameter schema, and request bodies
// through content-encoding, size, and MIME checks into handler inputs.
package codec

import (
	"net/url"
	"strconv"

	xrpc "github.com/eugener/xrpcd/internal"
	"github.com/eugener/xrpcd/internal/lexicon"
)

// DecodeParams decodes the query string against the method's parameter
// schema and validates the result. Undeclared keys are ignored; absent
// optional keys are omitted from the map.
func DecodeParams(m *lexicon.Method, query url.Values) (xrpc.Params, error) {
	params := xrpc.Params{}
	if schema := m.Parameters; schema != nil {
		for name, prop := range schema.Properties {
			vals, ok := query[name]
			if !ok || len(vals) == 0 {
				continue
			}
			if prop.Type == "array" {
				itemType := "string"
				if prop.Items != nil {
					itemType = prop.Items.Type
				}
				// A repeated key arrives as multiple values; a single scalar
				// still decodes as a one-element array.
				arr := make([]any, len(vals))
				for i, v := range vals {
					arr[i] = decodePrimitive(itemType, v)
				}
				params[name] = arr
			} else {
				params[name] = decodePrimitive(prop.Type, vals[0])
			}
		}
	}

	if err := lexicon.AssertValidXrpcParams(m, params); err != nil {
		return nil, xrpc.NewInvalidRequest("%s", err.Error())
	}
	return params, nil
}

func decodePrimitive(typ, v string) any {
	switch typ {
	case "integer":
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return int64(0)
		}
		return n
	case "float", "number":
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return float64(0)
		}
		return f
	case "boolean":
		return v == "true"
	default:
		// string, datetime, and anything unrecognized stay strings; the
		// schema check rejects mismatches.
		return v
	}
}
