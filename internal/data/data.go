// Package data implements the IPLD-aware JSON projection used by XRPC
// bodies: cid-link values travel as {"$link": "<cid>"} and byte strings as
// {"$bytes": "<base64>"}. Decoded JSON trees are rehydrated into the typed
// forms so handlers see real CIDs and byte slices, and the typed forms
// marshal back to the same wire shape.
package data

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ipfs/go-cid"
)

// CIDLink is a lexicon cid-link value.
type CIDLink struct {
	cid.Cid
}

// ParseCIDLink parses the string form of a CID into a CIDLink.
func ParseCIDLink(s string) (CIDLink, error) {
	c, err := cid.Parse(s)
	if err != nil {
		return CIDLink{}, fmt.Errorf("parse cid-link: %w", err)
	}
	return CIDLink{c}, nil
}

func (l CIDLink) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]string{"$link": l.String()})
}

func (l *CIDLink) UnmarshalJSON(b []byte) error {
	var obj struct {
		Link string `json:"$link"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	parsed, err := ParseCIDLink(obj.Link)
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// Bytes is a lexicon bytes value. The wire form is unpadded standard base64,
// but padded input is accepted.
type Bytes []byte

func (b Bytes) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]string{
		"$bytes": base64.RawStdEncoding.EncodeToString(b),
	})
}

func (b *Bytes) UnmarshalJSON(raw []byte) error {
	var obj struct {
		Bytes string `json:"$bytes"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return err
	}
	decoded, err := base64.RawStdEncoding.DecodeString(strings.TrimRight(obj.Bytes, "="))
	if err != nil {
		return fmt.Errorf("decode $bytes: %w", err)
	}
	*b = decoded
	return nil
}

// Rehydrate walks a freshly json.Unmarshal-ed tree (maps, slices, primitives)
// and replaces the IPLD wire shapes with CIDLink and Bytes values. Shapes
// that look like IPLD wrappers but do not decode cleanly are left untouched.
func Rehydrate(v any) any {
	switch t := v.(type) {
	case map[string]any:
		if len(t) == 1 {
			if s, ok := t["$link"].(string); ok {
				if link, err := ParseCIDLink(s); err == nil {
					return link
				}
			}
			if s, ok := t["$bytes"].(string); ok {
				if decoded, err := base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "=")); err == nil {
					return Bytes(decoded)
				}
			}
		}
		for k, elem := range t {
			t[k] = Rehydrate(elem)
		}
		return t
	case []any:
		for i, elem := range t {
			t[i] = Rehydrate(elem)
		}
		return t
	default:
		return v
	}
}
