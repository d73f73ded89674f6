// Package apperror defines the typed failures surfaced by the Procore
// integration. Every error carries a machine-readable code, the HTTP
// status the boundary should answer with, a human message and optional
// structured details. Handlers return these values unmodified; the echo
// error handler renders them.
package apperror

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is the machine-readable error identifier returned to clients.
type Code string

const (
	CodeNotConnected    Code = "PROCORE_NOT_CONNECTED"
	CodeAuthExpired     Code = "PROCORE_AUTH_EXPIRED"
	CodeRateLimited     Code = "PROCORE_RATE_LIMITED"
	CodeOAuth           Code = "PROCORE_OAUTH_ERROR"
	CodeExternalService Code = "UPSTREAM_ERROR"
	CodeInternal        Code = "INTERNAL_ERROR"

	CodeValidation   Code = "VALIDATION_ERROR"
	CodeUnauthorized Code = "UNAUTHORIZED"
	CodeTooMany      Code = "RATE_LIMITED"
)

// Error is the application error type.
type Error struct {
	Code    Code
	Status  int
	Message string
	Details map[string]any
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// WithCause attaches the underlying error and returns e.
func (e *Error) WithCause(err error) *Error {
	e.Cause = err
	return e
}

// Body is the JSON shape written at the HTTP boundary.
type Body struct {
	Code    Code           `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// Response converts the error into its wire body.
func (e *Error) Response() Body {
	return Body{Code: e.Code, Message: e.Message, Details: e.Details}
}

func newError(code Code, status int, message string, details map[string]any) *Error {
	if details == nil {
		details = map[string]any{}
	}
	return &Error{Code: code, Status: status, Message: message, Details: details}
}

// NotConnected reports that no eligible connection exists for the scope.
func NotConnected(details map[string]any) *Error {
	return newError(CodeNotConnected, http.StatusNotFound, "No Procore connection found", details)
}

// AuthExpired reports that upstream rejected the access or refresh token.
func AuthExpired(details map[string]any) *Error {
	return newError(CodeAuthExpired, http.StatusUnauthorized, "Procore authorization expired", details)
}

// RateLimited reports upstream throttling. retryAfter is negative when
// the upstream did not say how long to wait.
func RateLimited(retryAfter int, details map[string]any) *Error {
	e := newError(CodeRateLimited, http.StatusTooManyRequests, "Procore rate limited", details)
	if retryAfter >= 0 {
		e.Details["retry_after_seconds"] = retryAfter
	}
	return e
}

// OAuthError reports a protocol-level rejection of a code exchange or
// refresh grant.
func OAuthError(message string, details map[string]any) *Error {
	if message == "" {
		message = "Procore OAuth error"
	}
	return newError(CodeOAuth, http.StatusBadRequest, message, details)
}

// ExternalService reports an unreachable upstream or an upstream failure.
func ExternalService(message string, details map[string]any) *Error {
	if message == "" {
		message = "Upstream service error"
	}
	return newError(CodeExternalService, http.StatusBadGateway, message, details)
}

// Internal is the generic failure used for unexpected errors.
func Internal(cause error) *Error {
	return newError(CodeInternal, http.StatusInternalServerError, "Internal server error", nil).WithCause(cause)
}

// Validation reports a malformed or missing request parameter.
func Validation(message string, details map[string]any) *Error {
	return newError(CodeValidation, http.StatusBadRequest, message, details)
}

// Unauthorized reports a missing or mismatched session token.
func Unauthorized(message string) *Error {
	if message == "" {
		message = "Unauthorized"
	}
	return newError(CodeUnauthorized, http.StatusUnauthorized, message, nil)
}

// TooManyRequests is the local rate limiter's rejection, distinct from
// upstream throttling.
func TooManyRequests(retryAfter int) *Error {
	return newError(CodeTooMany, http.StatusTooManyRequests, "Rate limit exceeded",
		map[string]any{"retry_after_seconds": retryAfter})
}

// As extracts an *Error from err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code Code) bool {
	e, ok := As(err)
	return ok && e.Code == code
}

// RetryAfter returns the retry hint of a RateLimited error, if any.
func RetryAfter(err error) (int, bool) {
	e, ok := As(err)
	if !ok || e.Code != CodeRateLimited {
		return 0, false
	}
	v, ok := e.Details["retry_after_seconds"].(int)
	return v, ok
}
