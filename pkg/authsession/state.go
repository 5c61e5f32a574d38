package authsession

import (
	"time"

	"github.com/kaseydoesmarketing/TTPROv5/pkg/authsession/autherr"
	"github.com/kaseydoesmarketing/TTPROv5/pkg/authsession/identity"
)

// Status is the externally observable phase of the session lifecycle.
type Status string

const (
	// StatusUnauthenticated is the initial state and the state after
	// sign-out.
	StatusUnauthenticated Status = "unauthenticated"

	// StatusAuthenticating covers the interactive sign-in, the backend
	// handshake, and the startup probe.
	StatusAuthenticating Status = "authenticating"

	// StatusAuthenticated means the backend session is established.
	StatusAuthenticated Status = "authenticated"

	// StatusError means sign-in failed unrecoverably; LastError carries
	// the classification. For UI purposes the user is signed out.
	StatusError Status = "error"
)

// CurrentUser is the signed-in user as exposed to UI observers.
type CurrentUser struct {
	UID            string
	Email          string
	DisplayName    string
	PhotoURL       string
	EmailVerified  bool
	TokenExpiresAt time.Time
}

// SessionState is the published state of the session lifecycle. Observers
// receive copies; only the Manager mutates it.
//
// Invariants: Status==StatusAuthenticated implies User != nil, and
// Status==StatusUnauthenticated implies User == nil. LastError persists
// across the return to unauthenticated until explicitly cleared.
type SessionState struct {
	Status    Status
	User      *CurrentUser
	LastError *autherr.Error
}

// clone deep-copies the state so observers cannot reach the Manager's
// internal pointers.
func (s SessionState) clone() SessionState {
	out := SessionState{Status: s.Status}
	if s.User != nil {
		u := *s.User
		out.User = &u
	}
	if s.LastError != nil {
		e := *s.LastError
		out.LastError = &e
	}
	return out
}

// currentUserFrom derives the observable user from a provider identity.
func currentUserFrom(id *identity.ProviderIdentity) *CurrentUser {
	return &CurrentUser{
		UID:            id.UID,
		Email:          id.Email,
		DisplayName:    id.DisplayName,
		PhotoURL:       id.PhotoURL,
		EmailVerified:  id.EmailVerified,
		TokenExpiresAt: id.AssertionExpiresAt,
	}
}
