// Package credential holds the current provider identity in memory.
//
// The store is a single atomic cell: readers observe either the previous
// identity or the fully superseded one, never a partial write. It performs
// no I/O and keeps nothing on disk.
package credential

import (
	"sync/atomic"

	"github.com/kaseydoesmarketing/TTPROv5/pkg/authsession/identity"
)

// Store is an atomic in-memory holder for the current ProviderIdentity.
// The zero value is ready to use.
type Store struct {
	current atomic.Pointer[identity.ProviderIdentity]
}

// New returns an empty store.
func New() *Store {
	return &Store{}
}

// Get returns the current identity, or nil when signed out.
func (s *Store) Get() *identity.ProviderIdentity {
	return s.current.Load()
}

// Set supersedes the stored identity. Identities are immutable values, so
// callers pass a freshly constructed one rather than mutating in place.
func (s *Store) Set(id *identity.ProviderIdentity) {
	s.current.Store(id)
}

// Clear drops the stored identity.
func (s *Store) Clear() {
	s.current.Store(nil)
}
