package identity

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/kaseydoesmarketing/TTPROv5/pkg/authsession/autherr"
)

// FakeBridge is a scriptable Bridge for tests and the mock sign-in mode.
// It never talks to a real provider.
type FakeBridge struct {
	mu sync.Mutex

	// Identity is returned by StartInteractiveSignIn and, when Restorable
	// is set, by RestoreFromExistingSession.
	Identity *ProviderIdentity

	// Restorable makes the startup probe find an existing session.
	Restorable bool

	// SignInErr, when set, fails StartInteractiveSignIn.
	SignInErr error

	// RefreshErr, when set, fails RefreshAssertion.
	RefreshErr error

	// RefreshDelay makes each refresh take this long, for coalescing
	// tests.
	RefreshDelay time.Duration

	signedIn     bool
	refreshCalls atomic.Int64
	signInCalls  atomic.Int64
	sf           singleflight.Group
	refreshSeq   atomic.Int64
}

// NewFakeBridge returns a bridge that signs in as the given identity.
func NewFakeBridge(id *ProviderIdentity) *FakeBridge {
	return &FakeBridge{Identity: id}
}

// StartInteractiveSignIn implements Bridge.
func (f *FakeBridge) StartInteractiveSignIn(ctx context.Context) (*ProviderIdentity, error) {
	f.signInCalls.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, autherr.Classify(err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SignInErr != nil {
		return nil, f.SignInErr
	}
	f.signedIn = true
	return f.Identity, nil
}

// RestoreFromExistingSession implements Bridge.
func (f *FakeBridge) RestoreFromExistingSession(ctx context.Context) (*ProviderIdentity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.Restorable || f.Identity == nil {
		return nil, nil
	}
	f.signedIn = true
	return f.Identity, nil
}

// RefreshAssertion implements Bridge. Each real refresh issues a new
// assertion string so tests can observe supersession; concurrent callers
// coalesce exactly like the OIDC bridge.
func (f *FakeBridge) RefreshAssertion(ctx context.Context, forceRefresh bool) (string, error) {
	v, err, _ := f.sf.Do("refresh", func() (any, error) {
		f.refreshCalls.Add(1)
		f.mu.Lock()
		refreshErr := f.RefreshErr
		delay := f.RefreshDelay
		signedIn := f.signedIn
		f.mu.Unlock()
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return "", autherr.Classify(ctx.Err())
			}
		}
		if refreshErr != nil {
			return "", refreshErr
		}
		if !signedIn {
			return "", autherr.New(autherr.CodeUnauthorized).WithDetails("no provider session to refresh")
		}
		return fmt.Sprintf("fake-assertion-%d", f.refreshSeq.Add(1)), nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// SignOut implements Bridge.
func (f *FakeBridge) SignOut(ctx context.Context) error {
	f.mu.Lock()
	f.signedIn = false
	f.mu.Unlock()
	return nil
}

// RefreshCalls reports how many real (non-coalesced) refreshes ran.
func (f *FakeBridge) RefreshCalls() int64 { return f.refreshCalls.Load() }

// SignInCalls reports how many interactive sign-ins were started.
func (f *FakeBridge) SignInCalls() int64 { return f.signInCalls.Load() }

var _ Bridge = (*FakeBridge)(nil)
