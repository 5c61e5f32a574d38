package autherr

import (
	"context"
	"errors"
	"net"
	"net/http"
	"regexp"
	"strings"
)

// jwtPattern matches compact three-part base64url tokens (signed identity
// assertions). Segments shorter than 8 characters are left alone so
// ordinary dotted words survive redaction.
var jwtPattern = regexp.MustCompile(`[A-Za-z0-9_-]{8,}\.[A-Za-z0-9_-]{8,}\.[A-Za-z0-9_-]{8,}`)

// bearerPattern matches Authorization-style bearer values.
var bearerPattern = regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9._~+/-]+=*`)

// Redact strips token-shaped substrings from s so it is safe to store in
// Details or emit in logs.
func Redact(s string) string {
	s = jwtPattern.ReplaceAllString(s, "[redacted-token]")
	s = bearerPattern.ReplaceAllString(s, "Bearer [redacted]")
	return s
}

// Classify converts an arbitrary error into an *Error. Already-classified
// errors pass through unchanged. Context and transport failures map to
// timeout/cancelled/network; everything else becomes unknown.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return Wrap(CodeTimeout, err)
	case errors.Is(err, context.Canceled):
		return Wrap(CodeCancelled, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return Wrap(CodeTimeout, err)
		}
		return Wrap(CodeNetwork, err)
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return Wrap(CodeNetwork, err)
	}
	return Wrap(CodeUnknown, err)
}

// FromStatus classifies a non-2xx backend response. The body is consulted
// only for coarse markers (e.g. a disabled-account rejection); its text is
// redacted before entering Details.
func FromStatus(status int, body string) *Error {
	switch {
	case status == http.StatusUnauthorized:
		return New(CodeUnauthorized).WithDetails("backend returned 401")
	case status == http.StatusForbidden && strings.Contains(strings.ToLower(body), "disabled"):
		return New(CodeAccountDisabled).WithDetails("backend returned 403")
	case status == http.StatusTooManyRequests:
		return New(CodeRateLimited).WithDetails("backend returned 429")
	case status >= 500:
		return New(CodeNetwork).WithDetails("backend returned %d", status)
	default:
		return New(CodeUnknown).WithDetails("backend returned %d: %s", status, body)
	}
}
