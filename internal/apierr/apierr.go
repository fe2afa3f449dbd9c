// Package apierr defines the error taxonomy shared by every component of the
// trust plane. Every failure that can reach an HTTP response is wrapped in an
// *Error so the edge can map it to a stable status code without re-deriving
// intent from error strings.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is the stable taxonomy tag. Adding a Kind requires adding a case to
// StatusCode below.
type Kind string

const (
	KindAuth       Kind = "auth"
	KindForbidden  Kind = "forbidden"
	KindValidation Kind = "validation"
	KindConflict   Kind = "conflict"
	KindNotFound   Kind = "not_found"
	KindRateLimit  Kind = "rate_limit"
	KindOAuth      Kind = "oauth"
	KindInternal   Kind = "internal"
	KindCircuit    Kind = "circuit"
)

// Error is the concrete error type every component returns. It is never
// compared by pointer identity; callers should use errors.As / Is with the
// Kind-specific constructors below or inspect Kind directly.
type Error struct {
	Kind    Kind
	Message string
	// Fields carries structured detail (e.g. retryAfterMs, provider, reason)
	// for handlers that need more than a message.
	Fields map[string]any
	cause  error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// StatusCode maps a Kind to the HTTP status the edge should respond with.
func (e *Error) StatusCode() int {
	switch e.Kind {
	case KindAuth:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindValidation:
		return http.StatusBadRequest
	case KindConflict:
		return http.StatusConflict
	case KindNotFound:
		return http.StatusNotFound
	case KindRateLimit:
		return http.StatusTooManyRequests
	case KindOAuth:
		return http.StatusBadGateway
	case KindCircuit:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func new(kind Kind, msg string, cause error, fields map[string]any) *Error {
	return &Error{Kind: kind, Message: msg, cause: cause, Fields: fields}
}

func Auth(reason string) *Error {
	return new(KindAuth, reason, nil, map[string]any{"reason": reason})
}

func Forbidden(detail string) *Error {
	return new(KindForbidden, detail, nil, nil)
}

func Validation(field, detail string) *Error {
	return new(KindValidation, detail, nil, map[string]any{"field": field})
}

func Conflict(resource, detail string) *Error {
	return new(KindConflict, detail, nil, map[string]any{"resource": resource})
}

func NotFound(resource, id string) *Error {
	return new(KindNotFound, "not found", nil, map[string]any{"resource": resource, "id": id})
}

// RateLimit signals a denied request. recoveryAction is optional ("email-verify" etc).
func RateLimit(retryAfterMs int64, limit, remaining int, recoveryAction string) *Error {
	return new(KindRateLimit, "rate limited", nil, map[string]any{
		"retryAfterMs":   retryAfterMs,
		"limit":          limit,
		"remaining":      remaining,
		"recoveryAction": recoveryAction,
	})
}

func OAuth(provider, reason string) *Error {
	return new(KindOAuth, reason, nil, map[string]any{"provider": provider, "reason": reason})
}

func Internal(detail string, cause error) *Error {
	return new(KindInternal, detail, cause, nil)
}

func Circuit(name string, reason string) *Error {
	return new(KindCircuit, reason, nil, map[string]any{"circuit": name, "reason": reason})
}

// CircuitCause is Circuit with an underlying cause attached, for the
// ExecutionFailed reason where the breaker ran the effect and it failed.
func CircuitCause(name string, reason string, cause error) *Error {
	return new(KindCircuit, reason, cause, map[string]any{"circuit": name, "reason": reason})
}

// Is reports whether err is an *Error of the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// As is a small convenience wrapper around errors.As for callers that just
// want the *Error back.
func As(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}
