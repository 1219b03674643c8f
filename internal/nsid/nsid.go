// Package nsid extracts and validates XRPC method identifiers from URL paths.
package nsid

import (
	"net/url"
	"strings"

	xrpc "github.com/eugener/xrpcd/internal"
)

const pathPrefix = "/xrpc/"

// Parse extracts the NSID from an /xrpc/<nsid> path. Input may be a full URL
// or a bare path; the query string and an optional trailing slash are
// tolerated. Any malformed input produces InvalidRequest("invalid xrpc path").
//
// This runs on every request, so it is a single byte scan rather than a
// regexp or a strings.Split chain.
func Parse(urlOrPath string) (string, error) {
	path := urlOrPath
	if strings.Contains(urlOrPath, "://") {
		u, err := url.Parse(urlOrPath)
		if err != nil {
			return "", errInvalidPath()
		}
		path = u.Path
	}

	if !strings.HasPrefix(path, pathPrefix) {
		return "", errInvalidPath()
	}

	end := len(path)
	prevAlnum := false
scan:
	for i := len(pathPrefix); i < len(path); i++ {
		c := path[i]
		switch {
		case isAlnum(c):
			prevAlnum = true
		case c == '.' || c == '-':
			// Separators only between alphanumerics; doubled, leading, or
			// trailing separators fall out naturally because the next byte
			// must be alphanumeric again.
			if !prevAlnum {
				return "", errInvalidPath()
			}
			prevAlnum = false
		case c == '/':
			// A single trailing slash, then end or query.
			if i+1 < len(path) && path[i+1] != '?' {
				return "", errInvalidPath()
			}
			end = i
			break scan
		case c == '?':
			end = i
			break scan
		default:
			return "", errInvalidPath()
		}
	}

	// The NSID must not end in a separator, and must be at least two bytes.
	id := path[len(pathPrefix):end]
	if len(id) < 2 || !prevAlnum {
		return "", errInvalidPath()
	}
	return id, nil
}

// Valid reports whether s is a well-formed NSID: two or more dot-separated
// segments of ASCII alphanumerics with interior hyphens.
func Valid(s string) bool {
	segments := 0
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == '.' {
			if !validSegment(s[start:i]) {
				return false
			}
			segments++
			start = i + 1
		}
	}
	return segments >= 2
}

func validSegment(seg string) bool {
	if len(seg) == 0 {
		return false
	}
	for i := 0; i < len(seg); i++ {
		c := seg[i]
		if isAlnum(c) {
			continue
		}
		if c == '-' && i > 0 && i < len(seg)-1 {
			continue
		}
		return false
	}
	return true
}

func isAlnum(c byte) bool {
	return c >= '0' && c <= '9' || c >= 'A' && c <= 'Z' || c >= 'a' && c <= 'z'
}

func errInvalidPath() error {
	return xrpc.NewInvalidRequest("invalid xrpc path")
}
