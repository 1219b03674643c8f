// Package xrpc defines domain types and the error taxonomy for the XRPC
// engine. This package has no project imports -- it is the dependency root.
package xrpc

import (
	"errors"
	"fmt"
	"net/http"
)

// Wire error names for each taxonomy status. A status outside this table
// still produces a response; WireName falls back to the generic 500 name.
var wireNames = map[int]string{
	http.StatusBadRequest:            "InvalidRequest",
	http.StatusUnauthorized:          "AuthenticationRequired",
	http.StatusForbidden:             "Forbidden",
	http.StatusNotFound:              "NotFound",
	http.StatusRequestEntityTooLarge: "PayloadTooLarge",
	http.StatusTooManyRequests:       "RateLimitExceeded",
	http.StatusInternalServerError:   "InternalServerError",
	http.StatusNotImplemented:        "MethodNotImplemented",
	http.StatusBadGateway:            "UpstreamFailure",
	http.StatusGatewayTimeout:        "UpstreamTimeout",
	http.StatusInsufficientStorage:   "NotEnoughResources",
}

// Default human-readable messages per status, used when an error carries none.
var wireMessages = map[int]string{
	http.StatusUnauthorized:        "Authentication Required",
	http.StatusTooManyRequests:     "Rate Limit Exceeded",
	http.StatusInternalServerError: "Internal Server Error",
	http.StatusNotImplemented:      "Method Not Implemented",
}

// Error is a wire-visible XRPC error. Status selects the HTTP status and the
// default machine name; Name overrides the machine name (lexicon-declared
// custom errors, JWT subcodes); Message is the human-readable text.
type Error struct {
	Status  int
	Name    string
	Message string
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.WireName(), e.Message)
	}
	return e.WireName()
}

// WireName returns the machine-readable error name sent on the wire.
func (e *Error) WireName() string {
	if e.Name != "" {
		return e.Name
	}
	if n, ok := wireNames[e.Status]; ok {
		return n
	}
	return wireNames[http.StatusInternalServerError]
}

// WireMessage returns the human-readable message sent on the wire.
// 5xx messages are replaced with the generic status text so that internal
// details stay in logs only.
func (e *Error) WireMessage() string {
	if e.Status >= http.StatusInternalServerError {
		if m, ok := wireMessages[e.Status]; ok {
			return m
		}
		return http.StatusText(e.Status)
	}
	if e.Message != "" {
		return e.Message
	}
	if m, ok := wireMessages[e.Status]; ok {
		return m
	}
	return e.WireName()
}

// Named returns a copy of the error with the wire name overridden.
func (e *Error) Named(name string) *Error {
	dup := *e
	dup.Name = name
	return &dup
}

// Taxonomy constructors. Each produces an error with the fixed status from
// the taxonomy table; the message is optional printf-style text.

func NewInvalidRequest(format string, args ...any) *Error {
	return newError(http.StatusBadRequest, format, args...)
}

func NewAuthRequired(format string, args ...any) *Error {
	return newError(http.StatusUnauthorized, format, args...)
}

func NewForbidden(format string, args ...any) *Error {
	return newError(http.StatusForbidden, format, args...)
}

func NewPayloadTooLarge(format string, args ...any) *Error {
	return newError(http.StatusRequestEntityTooLarge, format, args...)
}

func NewRateLimitExceeded(format string, args ...any) *Error {
	return newError(http.StatusTooManyRequests, format, args...)
}

func NewInternal(format string, args ...any) *Error {
	return newError(http.StatusInternalServerError, format, args...)
}

func NewMethodNotImplemented(format string, args ...any) *Error {
	return newError(http.StatusNotImplemented, format, args...)
}

func NewUpstreamFailure(format string, args ...any) *Error {
	return newError(http.StatusBadGateway, format, args...)
}

func NewUpstreamTimeout(format string, args ...any) *Error {
	return newError(http.StatusGatewayTimeout, format, args...)
}

func NewNotEnoughResources(format string, args ...any) *Error {
	return newError(http.StatusInsufficientStorage, format, args...)
}

func newError(status int, format string, args ...any) *Error {
	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}
	return &Error{Status: status, Message: msg}
}

// NewErrorWithStatus builds an error for an explicit status, coercing
// anything outside [400, 600) to 500.
func NewErrorWithStatus(status int, name, message string) *Error {
	if status < 400 || status >= 600 {
		status = http.StatusInternalServerError
	}
	return &Error{Status: status, Name: name, Message: message}
}

// ErrorParser translates unrecognized error types into a taxonomy error
// before the default conversion runs, or returns nil to decline. It must not
// panic; the dispatcher wraps it defensively regardless.
type ErrorParser func(err error) *Error

// AsError converts err into a taxonomy *Error, passing through values that
// already are one and mapping everything else to InternalServerError. The
// original text is preserved in Message for logging; WireMessage still
// suppresses it on the wire for 5xx.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var xe *Error
	if errors.As(err, &xe) {
		return xe
	}
	return &Error{Status: http.StatusInternalServerError, Message: err.Error()}
}
