// Package pending persists the state of a redirect sign-in across the
// external round trip. A redirect flow leaves the process entirely, so the
// OAuth state, PKCE verifier, and the route the user was trying to reach
// must survive until the provider sends the user back.
package pending

import (
	"errors"
	"sync"
	"time"
)

// DefaultTTL is how long a pending sign-in stays resumable.
const DefaultTTL = 10 * time.Minute

// ErrNotFound is returned when no pending sign-in matches the state token.
var ErrNotFound = errors.New("pending: no sign-in matches state")

// SignIn is the saved state of an in-flight redirect sign-in.
type SignIn struct {
	// State is the opaque anti-forgery token carried through the provider.
	State string

	// Verifier is the PKCE code verifier for the token exchange.
	Verifier string

	// Route is the application route to restore after the round trip.
	Route string

	CreatedAt time.Time
}

// Store persists pending sign-ins. Hosts running inside a browser-like
// runtime bind this to their session storage; the in-memory store is the
// default for native hosts and tests.
type Store interface {
	// Save records a pending sign-in, replacing any previous one.
	Save(s SignIn) error

	// Take removes and returns the pending sign-in matching state.
	// Returns ErrNotFound when the state is unknown or expired.
	Take(state string) (*SignIn, error)
}

// MemoryStore is a Store backed by process memory.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]SignIn
	ttl     time.Duration
	now     func() time.Time
}

// NewMemoryStore returns an empty in-memory store with the default TTL.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]SignIn),
		ttl:     DefaultTTL,
		now:     time.Now,
	}
}

// Save implements Store.
func (m *MemoryStore) Save(s SignIn) error {
	if s.CreatedAt.IsZero() {
		s.CreatedAt = m.now()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[s.State] = s
	return nil
}

// Take implements Store. Entries are one-shot: a successful Take removes
// the entry so a replayed callback cannot resume twice.
func (m *MemoryStore) Take(state string) (*SignIn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.entries[state]
	if !ok {
		return nil, ErrNotFound
	}
	delete(m.entries, state)
	if m.now().Sub(s.CreatedAt) > m.ttl {
		return nil, ErrNotFound
	}
	return &s, nil
}
