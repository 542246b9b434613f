// Package errkind is the single seam between internal pipeline failures and
// the transport layer: every error the authentication pipeline returns maps
// to exactly one Kind, and every Kind maps to exactly one HTTP status.
package errkind

import (
	"errors"
	"net/http"
)

// Kind enumerates the error conditions the authentication pipeline and its
// collaborators (rate limiter, risk engine, role resolver, token issuer) can
// surface to a caller.
type Kind string

const (
	RateLimitExceeded      Kind = "rate_limit_exceeded"
	RateLimiterUnavailable Kind = "rate_limiter_unavailable"
	CaptchaRequired        Kind = "captcha_required"
	InvalidCaptcha         Kind = "invalid_captcha"
	InvalidCredentials     Kind = "invalid_credentials"
	AccountLocked          Kind = "account_locked"
	AccountDisabled        Kind = "account_disabled"
	AccountExpired         Kind = "account_expired"
	CredentialsExpired     Kind = "credentials_expired"
	MFARequired            Kind = "mfa_required"
	PasskeyValidationFailed Kind = "passkey_validation_failed"
	RiskDenied             Kind = "risk_denied"
	RoleAssignmentForbidden Kind = "role_assignment_forbidden"
	UserAlreadyExists      Kind = "user_already_exists"
	UserNotFound           Kind = "user_not_found"
	DeadlineExceeded       Kind = "deadline_exceeded"
	DependencyTimeout      Kind = "dependency_timeout"
	Internal               Kind = "internal"
)

// Error wraps a Kind with a human-readable message and an optional cause,
// the type every pipeline-facing function returns instead of a bare error.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an *Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an *Error of the given kind around an underlying cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Is reports whether err (or something it wraps) is an *Error of kind k.
func Is(err error, k Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == k
	}
	return false
}

// KindOf extracts the Kind from err, defaulting to Internal for unrecognized
// errors so callers never have to nil-check before mapping to a status.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// httpStatus is the Kind -> HTTP status mapping used by the thin REST layer.
var httpStatus = map[Kind]int{
	RateLimitExceeded:       http.StatusTooManyRequests,
	RateLimiterUnavailable:  http.StatusServiceUnavailable,
	CaptchaRequired:         http.StatusPreconditionRequired,
	InvalidCaptcha:          http.StatusBadRequest,
	InvalidCredentials:      http.StatusUnauthorized,
	AccountLocked:           http.StatusLocked,
	AccountDisabled:         http.StatusForbidden,
	AccountExpired:          http.StatusForbidden,
	CredentialsExpired:      http.StatusForbidden,
	MFARequired:             http.StatusUnauthorized,
	PasskeyValidationFailed: http.StatusUnauthorized,
	RiskDenied:              http.StatusForbidden,
	RoleAssignmentForbidden: http.StatusForbidden,
	UserAlreadyExists:       http.StatusConflict,
	UserNotFound:            http.StatusNotFound,
	DeadlineExceeded:        http.StatusGatewayTimeout,
	DependencyTimeout:       http.StatusGatewayTimeout,
	Internal:                http.StatusInternalServerError,
}

// HTTPStatus returns the status code for err, defaulting to 500.
func HTTPStatus(err error) int {
	if status, ok := httpStatus[KindOf(err)]; ok {
		return status
	}
	return http.StatusInternalServerError
}
