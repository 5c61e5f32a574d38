// Package identity normalizes external identity providers into a single
// ProviderIdentity value and a flow-agnostic Bridge interface.
//
// The interactive sign-in has two variants, popup and redirect, selected by
// configuration. Both produce the same ProviderIdentity so downstream
// session logic never branches on the flow.
package identity

import (
	"context"
	"time"
)

// ProviderIdentity is the normalized result of a provider sign-in or
// session restoration. It contains facts only, no decisions, and is
// immutable once constructed: a refresh supersedes the value rather than
// mutating it.
type ProviderIdentity struct {
	UID           string
	Email         string
	DisplayName   string
	PhotoURL      string
	EmailVerified bool

	// RawAssertion is the signed, time-bounded token proving this
	// identity to the backend. Never log it.
	RawAssertion string

	// Provider-scoped tokens, when the provider issued them.
	ProviderAccessToken  string
	ProviderRefreshToken string

	// AssertionExpiresAt is the expiry of RawAssertion, zero when the
	// assertion carried no readable expiry.
	AssertionExpiresAt time.Time
}

// WithAssertion returns a copy of the identity carrying a fresh assertion.
func (id *ProviderIdentity) WithAssertion(raw string, expiresAt time.Time) *ProviderIdentity {
	next := *id
	next.RawAssertion = raw
	next.AssertionExpiresAt = expiresAt
	return &next
}

// Bridge drives sign-in against an external identity provider.
//
// Implementations must be safe for concurrent use; in particular
// RefreshAssertion coalesces concurrent callers onto a single in-flight
// refresh so a burst of expired requests cannot trigger a refresh storm.
type Bridge interface {
	// StartInteractiveSignIn suspends until the provider flow completes.
	// In redirect mode the suspension spans the external navigation and
	// resumes when the host delivers the callback.
	StartInteractiveSignIn(ctx context.Context) (*ProviderIdentity, error)

	// RestoreFromExistingSession probes, without user interaction, for a
	// provider session established earlier. It returns (nil, nil) when no
	// session exists and must not block indefinitely.
	RestoreFromExistingSession(ctx context.Context) (*ProviderIdentity, error)

	// RefreshAssertion returns a fresh, unexpired assertion for the
	// signed-in identity. With forceRefresh a new assertion is obtained
	// even if the current one has not expired.
	RefreshAssertion(ctx context.Context, forceRefresh bool) (string, error)

	// SignOut clears the provider-side session. Best effort; callers
	// proceed with local sign-out regardless of the result.
	SignOut(ctx context.Context) error
}
