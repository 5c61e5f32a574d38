package identity

import (
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/kaseydoesmarketing/TTPROv5/pkg/authsession/autherr"
)

// AssertionClaims are the identity claims read from a raw assertion.
type AssertionClaims struct {
	Subject       string
	Email         string
	Name          string
	Picture       string
	EmailVerified bool
	ExpiresAt     time.Time
	Issuer        string
}

// InspectAssertion reads the claims of a compact signed assertion without
// verifying its signature. Verification belongs to the provider library
// and the backend; this is for expiry bookkeeping and diagnostics only.
func InspectAssertion(raw string) (*AssertionClaims, error) {
	claims := jwt.MapClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(raw, claims); err != nil {
		return nil, autherr.Wrap(autherr.CodeUnknown, err)
	}

	out := &AssertionClaims{}
	if sub, err := claims.GetSubject(); err == nil {
		out.Subject = sub
	}
	if iss, err := claims.GetIssuer(); err == nil {
		out.Issuer = iss
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		out.ExpiresAt = exp.Time
	}
	if v, ok := claims["email"].(string); ok {
		out.Email = v
	}
	if v, ok := claims["name"].(string); ok {
		out.Name = v
	}
	if v, ok := claims["picture"].(string); ok {
		out.Picture = v
	}
	if v, ok := claims["email_verified"].(bool); ok {
		out.EmailVerified = v
	}
	return out, nil
}
