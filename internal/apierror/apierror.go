// Package apierror implements the error taxonomy of spec.md section 7 as
// kinds, not Go types: every recoverable failure is categorized into one of
// a fixed set of kinds that maps to a stable HTTP status and a
// machine-readable code string. The admin HTTP surface uses the status; no
// WebSocket or data-channel error frame carries the code.
package apierror

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind categorizes a failure for the purposes of status-code mapping and
// error-frame codes. These are the "kinds, not type names" spec.md asks for.
type Kind string

const (
	KindTransport    Kind = "transport"
	KindAuth         Kind = "auth"
	KindPeer         Kind = "peer"
	KindAssistant    Kind = "assistant"
	KindSafety       Kind = "safety"
	KindConfig       Kind = "config"
	KindTimeout      Kind = "timeout"
	KindNotFound     Kind = "not_found"
	KindConflict     Kind = "conflict"
	KindUnavailable  Kind = "unavailable"
	KindBadRequest   Kind = "bad_request"
	KindForbidden    Kind = "forbidden"
	KindInternal     Kind = "internal"
)

// Error is a categorized error that carries a stable machine-readable code
// and a human-readable message, matching the "every error frame carries a
// machine-readable code" requirement of spec.md section 7.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a categorized Error.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap creates a categorized Error that wraps an underlying error.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// As extracts an *Error from err, if any is present in its chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// HTTPStatus maps a Kind to the stable HTTP status spec.md section 7 names.
func HTTPStatus(k Kind) int {
	switch k {
	case KindBadRequest, KindTransport, KindSafety:
		return http.StatusBadRequest
	case KindAuth:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindUnavailable:
		return http.StatusServiceUnavailable
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindPeer, KindAssistant, KindConfig, KindInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// Code returns the machine-readable code string for k.
func Code(k Kind) string {
	return string(k)
}
