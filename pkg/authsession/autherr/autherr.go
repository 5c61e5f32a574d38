// Package autherr defines the classified error type surfaced by the
// authentication/session layer.
//
// Every failure that reaches UI code is an *Error carrying a stable Code,
// a user-safe Message, and an optional Details string for diagnostics.
// Details never contains raw assertions, provider tokens, or backend
// internals; Redact is applied to anything that might.
package autherr

import (
	"errors"
	"fmt"
)

// Code identifies a class of authentication failure.
type Code string

const (
	// CodeConfiguration means a required configuration value is missing or
	// malformed. Fatal: no sign-in attempt is possible until fixed.
	CodeConfiguration Code = "configuration"

	// CodeNetwork is a transport-level failure reaching the identity
	// provider or the backend. Recoverable by user retry.
	CodeNetwork Code = "network"

	// CodeRateLimited means the provider or backend signalled too many
	// attempts.
	CodeRateLimited Code = "rate_limited"

	// CodeCancelled means the user closed or abandoned the interactive
	// sign-in surface. Not logged loudly.
	CodeCancelled Code = "cancelled"

	// CodeUnauthorized means the backend rejected the assertion as expired
	// or invalid.
	CodeUnauthorized Code = "unauthorized"

	// CodeAccountDisabled means the account is disabled. Terminal, never
	// retried.
	CodeAccountDisabled Code = "account_disabled"

	// CodeTimeout means the handshake exceeded its round-trip bound.
	CodeTimeout Code = "timeout"

	// CodeUnknown is the catch-all for unclassified failures.
	CodeUnknown Code = "unknown"
)

// userMessages maps each code to the short message rendered to the end
// user. Diagnostic detail goes in Details, never here.
var userMessages = map[Code]string{
	CodeConfiguration:   "Authentication is not configured correctly. Please contact support.",
	CodeNetwork:         "Network error. Please check your connection and try again.",
	CodeRateLimited:     "Too many attempts. Please wait a moment and try again.",
	CodeCancelled:       "Sign-in was cancelled.",
	CodeUnauthorized:    "Your session has expired. Please sign in again.",
	CodeAccountDisabled: "This account has been disabled. Please contact support.",
	CodeTimeout:         "The sign-in request timed out. Please try again.",
	CodeUnknown:         "Authentication failed. Please try again.",
}

// Error is a classified authentication failure.
type Error struct {
	// Code is the stable classification tag.
	Code Code

	// Message is safe to render to the end user.
	Message string

	// Details carries diagnostic context. It must never contain raw
	// tokens or provider secrets; construct it through Redact when the
	// source text is not under our control.
	Details string

	wrapped error
}

// New creates an Error with the standard user message for code.
func New(code Code) *Error {
	return &Error{Code: code, Message: userMessages[code]}
}

// WithDetails returns the error with diagnostic detail attached. The
// detail is redacted before being stored.
func (e *Error) WithDetails(format string, args ...any) *Error {
	e.Details = Redact(fmt.Sprintf(format, args...))
	return e
}

// Wrap creates an Error around an underlying cause. The cause's text is
// redacted into Details; the cause itself remains reachable via Unwrap
// for errors.Is/As, so callers must not log wrapped errors verbatim in
// production output.
func Wrap(code Code, err error) *Error {
	e := New(code)
	e.wrapped = err
	if err != nil {
		e.Details = Redact(err.Error())
	}
	return e
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause, if any.
func (e *Error) Unwrap() error {
	return e.wrapped
}

// Is matches two Errors by code, so sentinel comparisons like
// errors.Is(err, autherr.New(autherr.CodeTimeout)) work.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Code == other.Code
	}
	return false
}

// CodeOf returns the classification code of err, or CodeUnknown when err
// is not an *Error. Returns "" for nil.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeUnknown
}

// Retryable reports whether a failure with this code may succeed if the
// user simply tries again. Configuration and account_disabled failures
// are never retried.
func Retryable(code Code) bool {
	switch code {
	case CodeNetwork, CodeTimeout, CodeRateLimited, CodeUnauthorized, CodeCancelled:
		return true
	default:
		return false
	}
}
