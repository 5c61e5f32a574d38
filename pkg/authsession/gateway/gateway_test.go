package gateway_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kaseydoesmarketing/TTPROv5/internal/backendtest"
	"github.com/kaseydoesmarketing/TTPROv5/pkg/authsession/gateway"
	"github.com/kaseydoesmarketing/TTPROv5/pkg/authsession/handshake"
)

// refresherFunc adapts a func to gateway.SessionRefresher.
type refresherFunc func(ctx context.Context) error

func (f refresherFunc) RefreshSession(ctx context.Context) error { return f(ctx) }

// fixture wires a fake backend, a handshake client for its cookie jar, and
// a gateway whose refresher performs a real exchange.
type fixture struct {
	backend  *backendtest.Backend
	client   *handshake.Client
	gw       *gateway.Gateway
	refreshN atomic.Int64
}

func newFixture(t *testing.T, opts ...gateway.Option) *fixture {
	t.Helper()
	f := &fixture{backend: backendtest.New()}
	f.backend.AcceptAssertion("assertion-1", backendtest.User{UID: "u1", Email: "u1@example.com"})
	f.backend.Mount("GET", "/api/channels", f.backend.RequireSession(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`["channel-a"]`))
	}))
	f.backend.Mount("POST", "/api/campaigns", f.backend.RequireSession(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
		w.Write(body)
	}))

	srv := httptest.NewServer(f.backend.Handler())
	t.Cleanup(srv.Close)

	var err error
	f.client, err = handshake.NewClient(srv.URL)
	if err != nil {
		t.Fatal(err)
	}

	refresher := refresherFunc(func(ctx context.Context) error {
		f.refreshN.Add(1)
		_, err := f.client.Exchange(ctx, "assertion-1", true)
		return err
	})
	f.gw = gateway.New(srv.URL, f.client.HTTPClient(), refresher, opts...)
	return f
}

// signIn establishes the initial backend session.
func (f *fixture) signIn(t *testing.T) {
	t.Helper()
	res, err := f.client.Exchange(context.Background(), "assertion-1", false)
	if err != nil || !res.Success {
		t.Fatalf("sign-in exchange failed: res=%+v err=%v", res, err)
	}
}

func TestRequest(t *testing.T) {
	t.Run("authenticated request passes through", func(t *testing.T) {
		f := newFixture(t)
		f.signIn(t)

		resp, err := f.gw.Request(context.Background(), "GET", "/api/channels", nil)
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d, want 200", resp.StatusCode)
		}
		if f.refreshN.Load() != 0 {
			t.Error("no refresh should run for a healthy session")
		}
	})

	t.Run("401 triggers one refresh and one retry", func(t *testing.T) {
		f := newFixture(t)
		f.signIn(t)
		f.backend.RevokeAllSessions()

		resp, err := f.gw.Request(context.Background(), "GET", "/api/channels", nil)
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d, want 200 after refresh+retry", resp.StatusCode)
		}
		if got := f.refreshN.Load(); got != 1 {
			t.Fatalf("refresh ran %d times, want 1", got)
		}
	})

	t.Run("refresh failure surfaces original 401", func(t *testing.T) {
		f := newFixture(t)
		f.signIn(t)
		f.backend.RevokeAllSessions()
		// Poison the refresh: backend rejects the forced exchange too.
		f.backend.FailNextExchange(http.StatusUnauthorized)
		f.backend.FailNextExchange(http.StatusUnauthorized)

		resp, err := f.gw.Request(context.Background(), "GET", "/api/channels", nil)
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("status = %d, want the original 401", resp.StatusCode)
		}
	})

	t.Run("second consecutive 401 surfaces without more retries", func(t *testing.T) {
		var hits atomic.Int64
		backend := backendtest.New()
		backend.AcceptAssertion("assertion-1", backendtest.User{UID: "u1", Email: "u1@example.com"})
		backend.Mount("GET", "/api/broken", func(w http.ResponseWriter, r *http.Request) {
			hits.Add(1)
			w.WriteHeader(http.StatusUnauthorized)
		})
		srv := httptest.NewServer(backend.Handler())
		t.Cleanup(srv.Close)

		client, err := handshake.NewClient(srv.URL)
		if err != nil {
			t.Fatal(err)
		}
		gw := gateway.New(srv.URL, client.HTTPClient(), refresherFunc(func(ctx context.Context) error {
			return nil // refresh "succeeds" but the resource keeps 401ing
		}))

		resp, err := gw.Request(context.Background(), "GET", "/api/broken", nil)
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("status = %d, want 401", resp.StatusCode)
		}
		if got := hits.Load(); got != 2 {
			t.Fatalf("resource hit %d times, want exactly 2 (original + one retry)", got)
		}
	})

	t.Run("request body replayed on retry", func(t *testing.T) {
		f := newFixture(t)
		f.signIn(t)
		f.backend.RevokeAllSessions()

		resp, err := f.gw.Request(context.Background(), "POST", "/api/campaigns", []byte(`{"title":"variant-a"}`))
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("status = %d, want 201", resp.StatusCode)
		}
		body, _ := io.ReadAll(resp.Body)
		if string(body) != `{"title":"variant-a"}` {
			t.Fatalf("retried body = %s", body)
		}
	})

	t.Run("not authenticated gate", func(t *testing.T) {
		f := newFixture(t, gateway.WithReadyCheck(func() bool { return false }))
		_, err := f.gw.Request(context.Background(), "GET", "/api/channels", nil)
		if !errors.Is(err, gateway.ErrNotAuthenticated) {
			t.Fatalf("err = %v, want ErrNotAuthenticated", err)
		}
	})
}

// Two concurrent 401s must coalesce onto a single refresh: the backend
// sees exactly one exchange call.
func TestConcurrent401Coalescing(t *testing.T) {
	f := newFixture(t)
	f.signIn(t)
	exchangesBefore := f.backend.ExchangeCalls()

	f.backend.RevokeAllSessions()
	f.backend.SetExchangeDelay(50 * time.Millisecond)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	statuses := make([]int, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := f.gw.Request(context.Background(), "GET", "/api/channels", nil)
			if err != nil {
				errs[i] = err
				return
			}
			defer resp.Body.Close()
			statuses[i] = resp.StatusCode
		}(i)
	}
	wg.Wait()

	for i := 0; i < 2; i++ {
		if errs[i] != nil {
			t.Fatalf("request %d: %v", i, errs[i])
		}
		if statuses[i] != http.StatusOK {
			t.Fatalf("request %d: status %d, want 200", i, statuses[i])
		}
	}
	if got := f.refreshN.Load(); got != 1 {
		t.Fatalf("refresher ran %d times, want 1", got)
	}
	if got := f.backend.ExchangeCalls() - exchangesBefore; got != 1 {
		t.Fatalf("backend saw %d exchange calls during refresh, want exactly 1", got)
	}
}
