package identity_test

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"

	"github.com/kaseydoesmarketing/TTPROv5/pkg/authsession/autherr"
	"github.com/kaseydoesmarketing/TTPROv5/pkg/authsession/identity"
)

// fakeProvider is a minimal OIDC provider: discovery, JWKS,
// authorization, and token endpoints backed by a throwaway RSA key.
type fakeProvider struct {
	issuer   string
	clientID string
	key      *rsa.PrivateKey

	mu         sync.Mutex
	subject    string
	email      string
	name       string
	authErr    string // when set, /authorize redirects with this error
	tokenCalls atomic.Int64
	seq        atomic.Int64
}

func newFakeProvider(t *testing.T, clientID string) *fakeProvider {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	fp := &fakeProvider{
		clientID: clientID,
		key:      key,
		subject:  "u1",
		email:    "u1@example.com",
		name:     "User One",
	}
	srv := httptest.NewServer(fp.routes())
	t.Cleanup(srv.Close)
	fp.issuer = srv.URL
	return fp
}

func (fp *fakeProvider) routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/.well-known/openid-configuration", fp.handleDiscovery)
	r.Get("/keys", fp.handleJWKS)
	r.Get("/authorize", fp.handleAuthorize)
	r.Post("/token", fp.handleToken)
	return r
}

func (fp *fakeProvider) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]any{
		"issuer":                                fp.issuer,
		"authorization_endpoint":                fp.issuer + "/authorize",
		"token_endpoint":                        fp.issuer + "/token",
		"jwks_uri":                              fp.issuer + "/keys",
		"response_types_supported":              []string{"code"},
		"subject_types_supported":               []string{"public"},
		"id_token_signing_alg_values_supported": []string{"RS256"},
	})
}

func (fp *fakeProvider) handleJWKS(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]any{
		"keys": []map[string]any{{
			"kty": "RSA",
			"alg": "RS256",
			"use": "sig",
			"kid": "test-key",
			"n":   base64.RawURLEncoding.EncodeToString(fp.key.PublicKey.N.Bytes()),
			"e":   "AQAB",
		}},
	})
}

func (fp *fakeProvider) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	redirect, err := url.Parse(q.Get("redirect_uri"))
	if err != nil {
		http.Error(w, "bad redirect_uri", http.StatusBadRequest)
		return
	}
	out := redirect.Query()
	out.Set("state", q.Get("state"))

	fp.mu.Lock()
	authErr := fp.authErr
	fp.mu.Unlock()
	if authErr != "" {
		out.Set("error", authErr)
	} else {
		out.Set("code", "test-code")
	}
	redirect.RawQuery = out.Encode()
	http.Redirect(w, r, redirect.String(), http.StatusFound)
}

func (fp *fakeProvider) handleToken(w http.ResponseWriter, r *http.Request) {
	fp.tokenCalls.Add(1)
	fp.mu.Lock()
	sub, email, name := fp.subject, fp.email, fp.name
	fp.mu.Unlock()

	now := time.Now()
	claims := jwt.MapClaims{
		"iss":            fp.issuer,
		"aud":            fp.clientID,
		"sub":            sub,
		"email":          email,
		"email_verified": true,
		"name":           name,
		"iat":            now.Unix(),
		"exp":            now.Add(time.Hour).Unix(),
		"jti":            fmt.Sprintf("tok-%d", fp.seq.Add(1)),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = "test-key"
	rawID, err := tok.SignedString(fp.key)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"access_token":  fmt.Sprintf("access-%d", fp.seq.Load()),
		"token_type":    "Bearer",
		"refresh_token": "refresh-1",
		"expires_in":    3600,
		"id_token":      rawID,
	})
}

// freeLoopbackURL reserves a loopback port for the popup callback.
func freeLoopbackURL(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return "http://" + addr + "/oauth2/callback"
}

// fakeBrowser follows the authorization redirect like a real browser
// would, landing on the bridge's loopback callback.
func fakeBrowser() func(string) error {
	return func(authURL string) error {
		go http.Get(authURL)
		return nil
	}
}

func newBridge(t *testing.T, fp *fakeProvider, opts ...identity.OIDCOption) *identity.OIDCBridge {
	t.Helper()
	bridge, err := identity.NewOIDCBridge(context.Background(), identity.OIDCConfig{
		Issuer:      fp.issuer,
		ClientID:    fp.clientID,
		RedirectURL: freeLoopbackURL(t),
		Mode:        identity.ModePopup,
	}, append([]identity.OIDCOption{identity.WithBrowserOpener(fakeBrowser())}, opts...)...)
	if err != nil {
		t.Fatal(err)
	}
	return bridge
}

func TestOIDCPopupSignIn(t *testing.T) {
	fp := newFakeProvider(t, "client-1")
	bridge := newBridge(t, fp)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	id, err := bridge.StartInteractiveSignIn(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if id.UID != "u1" || id.Email != "u1@example.com" {
		t.Fatalf("identity = %+v", id)
	}
	if !id.EmailVerified {
		t.Error("email_verified lost")
	}
	if id.RawAssertion == "" {
		t.Fatal("identity carries no assertion")
	}
	if id.ProviderRefreshToken != "refresh-1" {
		t.Errorf("refresh token = %q", id.ProviderRefreshToken)
	}
	if time.Until(id.AssertionExpiresAt) < 50*time.Minute {
		t.Errorf("assertion expiry too soon: %s", id.AssertionExpiresAt)
	}
}

func TestOIDCPopupCancelled(t *testing.T) {
	fp := newFakeProvider(t, "client-1")
	fp.mu.Lock()
	fp.authErr = "access_denied"
	fp.mu.Unlock()

	bridge := newBridge(t, fp)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := bridge.StartInteractiveSignIn(ctx)
	if autherr.CodeOf(err) != autherr.CodeCancelled {
		t.Fatalf("err = %v, want cancelled", err)
	}
}

func TestOIDCRefreshAssertion(t *testing.T) {
	fp := newFakeProvider(t, "client-1")
	bridge := newBridge(t, fp)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	id, err := bridge.StartInteractiveSignIn(ctx)
	if err != nil {
		t.Fatal(err)
	}

	t.Run("non-forced returns cached assertion", func(t *testing.T) {
		calls := fp.tokenCalls.Load()
		raw, err := bridge.RefreshAssertion(ctx, false)
		if err != nil {
			t.Fatal(err)
		}
		if raw != id.RawAssertion {
			t.Error("expected the cached assertion while still fresh")
		}
		if fp.tokenCalls.Load() != calls {
			t.Error("non-forced refresh hit the provider")
		}
	})

	t.Run("forced obtains a new assertion", func(t *testing.T) {
		raw, err := bridge.RefreshAssertion(ctx, true)
		if err != nil {
			t.Fatal(err)
		}
		if raw == id.RawAssertion {
			t.Error("forced refresh returned the stale assertion")
		}
	})

	t.Run("refresh without session is unauthorized", func(t *testing.T) {
		other := newBridge(t, fp)
		_, err := other.RefreshAssertion(ctx, true)
		if autherr.CodeOf(err) != autherr.CodeUnauthorized {
			t.Fatalf("err = %v, want unauthorized", err)
		}
	})
}

func TestOIDCRedirectFlow(t *testing.T) {
	fp := newFakeProvider(t, "client-1")

	authURLs := make(chan string, 1)
	bridge, err := identity.NewOIDCBridge(context.Background(), identity.OIDCConfig{
		Issuer:      fp.issuer,
		ClientID:    "client-1",
		RedirectURL: "https://app.example.com/oauth2/callback",
		Mode:        identity.ModeRedirect,
	}, identity.WithAuthURLHandler(func(u string) { authURLs <- u }))
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	type signInResult struct {
		id  *identity.ProviderIdentity
		err error
	}
	done := make(chan signInResult, 1)
	go func() {
		id, err := bridge.StartInteractiveSignIn(ctx)
		done <- signInResult{id, err}
	}()

	authURL := <-authURLs

	// Drive the provider leg without a browser: hit /authorize and take
	// the redirect Location as the callback URL.
	noRedirect := &http.Client{
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	resp, err := noRedirect.Get(authURL)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	callback := resp.Header.Get("Location")
	if callback == "" {
		t.Fatal("provider did not redirect")
	}

	id, _, err := bridge.ResumeRedirect(ctx, callback)
	if err != nil {
		t.Fatal(err)
	}
	if id.UID != "u1" {
		t.Fatalf("identity = %+v", id)
	}

	res := <-done
	if res.err != nil {
		t.Fatalf("suspended sign-in returned error: %v", res.err)
	}
	if res.id.UID != "u1" {
		t.Fatalf("suspended sign-in got %+v", res.id)
	}

	t.Run("replayed callback rejected", func(t *testing.T) {
		if _, _, err := bridge.ResumeRedirect(ctx, callback); err == nil {
			t.Fatal("expected replay to fail")
		}
	})
}

func TestOIDCRestoreFromTokenStore(t *testing.T) {
	fp := newFakeProvider(t, "client-1")
	store := &memoryTokenStore{}

	first := newBridge(t, fp, identity.WithTokenStore(store))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := first.StartInteractiveSignIn(ctx); err != nil {
		t.Fatal(err)
	}

	t.Run("fresh process restores silently", func(t *testing.T) {
		second := newBridge(t, fp, identity.WithTokenStore(store))
		id, err := second.RestoreFromExistingSession(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if id == nil || id.UID != "u1" {
			t.Fatalf("restored identity = %+v", id)
		}
	})

	t.Run("empty store restores nothing", func(t *testing.T) {
		second := newBridge(t, fp, identity.WithTokenStore(&memoryTokenStore{}))
		id, err := second.RestoreFromExistingSession(ctx)
		if err != nil || id != nil {
			t.Fatalf("id=%+v err=%v, want nil/nil", id, err)
		}
	})

	t.Run("sign-out clears the store", func(t *testing.T) {
		if err := first.SignOut(ctx); err != nil {
			t.Fatal(err)
		}
		if tok, _ := store.Load(); tok != nil {
			t.Fatal("token store still holds a session after sign-out")
		}
	})
}

func TestNewOIDCBridgeValidation(t *testing.T) {
	cases := []struct {
		name string
		cfg  identity.OIDCConfig
	}{
		{"missing issuer", identity.OIDCConfig{ClientID: "c", RedirectURL: "http://127.0.0.1:1/cb"}},
		{"missing client ID", identity.OIDCConfig{Issuer: "https://x", RedirectURL: "http://127.0.0.1:1/cb"}},
		{"missing redirect URL", identity.OIDCConfig{Issuer: "https://x", ClientID: "c"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := identity.NewOIDCBridge(context.Background(), tc.cfg)
			if autherr.CodeOf(err) != autherr.CodeConfiguration {
				t.Fatalf("err = %v, want configuration", err)
			}
		})
	}
}

type memoryTokenStore struct {
	mu  sync.Mutex
	tok *identity.StoredToken
}

func (m *memoryTokenStore) Load() (*identity.StoredToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tok, nil
}

func (m *memoryTokenStore) Save(t *identity.StoredToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tok = t
	return nil
}

func (m *memoryTokenStore) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tok = nil
	return nil
}
