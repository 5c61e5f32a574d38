package identity

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/kaseydoesmarketing/TTPROv5/internal/pending"
	"github.com/kaseydoesmarketing/TTPROv5/pkg/authsession/autherr"
)

// Mode selects the interactive sign-in variant.
type Mode string

const (
	// ModePopup opens the system browser and completes the flow on a
	// loopback listener without leaving the process.
	ModePopup Mode = "popup"

	// ModeRedirect hands the authorization URL to the host application,
	// which navigates away and later delivers the callback through
	// ResumeRedirect.
	ModeRedirect Mode = "redirect"
)

// assertionSkew is how close to expiry a cached assertion is still
// considered fresh. Anything inside the skew triggers a refresh.
const assertionSkew = 30 * time.Second

// restoreTimeout bounds the non-interactive startup probe.
const restoreTimeout = 10 * time.Second

// OIDCConfig configures the OIDC bridge.
type OIDCConfig struct {
	// Issuer is the provider's authority URL, discovered via OIDC
	// metadata. Required.
	Issuer string

	// ClientID identifies this application to the provider. Required.
	ClientID string

	// ClientSecret is optional; public clients rely on PKCE alone.
	ClientSecret string

	// RedirectURL receives the provider callback. In popup mode it must
	// be a loopback address the bridge can listen on.
	RedirectURL string

	// Scopes defaults to openid, profile, email.
	Scopes []string

	// Mode defaults to ModePopup.
	Mode Mode
}

// StoredToken is the provider token material persisted between runs so a
// later process start can restore the session without user interaction.
type StoredToken struct {
	AccessToken  string
	RefreshToken string
	IDToken      string
	Expiry       time.Time
}

// TokenStore persists provider tokens across process restarts. All methods
// are best effort from the bridge's point of view: a failing store
// degrades to interactive sign-in, never to a crash.
type TokenStore interface {
	Load() (*StoredToken, error)
	Save(*StoredToken) error
	Clear() error
}

// OIDCBridge implements Bridge over a standard OIDC provider using the
// authorization-code flow with PKCE.
type OIDCBridge struct {
	cfg      OIDCConfig
	oauth    *oauth2.Config
	verifier *oidc.IDTokenVerifier

	pending     pending.Store
	tokens      TokenStore
	openBrowser func(url string) error
	onAuthURL   func(url string)
	httpClient  *http.Client
	logger      *slog.Logger

	// refresh coalescing
	sf singleflight.Group

	mu      sync.Mutex
	current *oauth2.Token
	raw     string
	rawExp  time.Time

	resumeMu sync.Mutex
	resumeCh chan resumeResult
}

type resumeResult struct {
	identity *ProviderIdentity
	err      error
}

// OIDCOption configures the bridge.
type OIDCOption func(*OIDCBridge)

// WithPendingStore sets the store for redirect round-trip state.
func WithPendingStore(s pending.Store) OIDCOption {
	return func(b *OIDCBridge) { b.pending = s }
}

// WithTokenStore enables non-interactive session restoration across
// process restarts.
func WithTokenStore(s TokenStore) OIDCOption {
	return func(b *OIDCBridge) { b.tokens = s }
}

// WithBrowserOpener overrides how the popup flow opens the authorization
// URL. The default launches the system browser.
func WithBrowserOpener(open func(url string) error) OIDCOption {
	return func(b *OIDCBridge) { b.openBrowser = open }
}

// WithAuthURLHandler sets the redirect-mode hand-off: the host receives
// the authorization URL and performs the navigation itself.
func WithAuthURLHandler(fn func(url string)) OIDCOption {
	return func(b *OIDCBridge) { b.onAuthURL = fn }
}

// WithHTTPClient sets the client used for provider discovery, token
// exchange, and refresh.
func WithHTTPClient(c *http.Client) OIDCOption {
	return func(b *OIDCBridge) { b.httpClient = c }
}

// WithBridgeLogger sets the bridge logger.
func WithBridgeLogger(l *slog.Logger) OIDCOption {
	return func(b *OIDCBridge) { b.logger = l }
}

// NewOIDCBridge discovers the provider's endpoints and returns a ready
// bridge. Missing required configuration is a configuration error;
// unreachable discovery is a network error.
func NewOIDCBridge(ctx context.Context, cfg OIDCConfig, opts ...OIDCOption) (*OIDCBridge, error) {
	if cfg.Issuer == "" {
		return nil, autherr.New(autherr.CodeConfiguration).WithDetails("identity provider issuer is not set")
	}
	if cfg.ClientID == "" {
		return nil, autherr.New(autherr.CodeConfiguration).WithDetails("identity provider client ID is not set")
	}
	if cfg.RedirectURL == "" {
		return nil, autherr.New(autherr.CodeConfiguration).WithDetails("identity provider redirect URL is not set")
	}
	if cfg.Mode == "" {
		cfg.Mode = ModePopup
	}
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = []string{oidc.ScopeOpenID, "profile", "email"}
	}

	b := &OIDCBridge{
		cfg:         cfg,
		pending:     pending.NewMemoryStore(),
		openBrowser: openBrowser,
		logger:      slog.Default().With("component", "identity"),
	}
	for _, opt := range opts {
		opt(b)
	}

	if b.httpClient != nil {
		ctx = oidc.ClientContext(ctx, b.httpClient)
	}
	provider, err := oidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, autherr.Classify(fmt.Errorf("provider discovery: %w", err))
	}

	b.verifier = provider.Verifier(&oidc.Config{ClientID: cfg.ClientID})
	b.oauth = &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURL,
		Endpoint:     provider.Endpoint(),
		Scopes:       cfg.Scopes,
	}
	return b, nil
}

// StartInteractiveSignIn implements Bridge.
func (b *OIDCBridge) StartInteractiveSignIn(ctx context.Context) (*ProviderIdentity, error) {
	switch b.cfg.Mode {
	case ModeRedirect:
		return b.signInRedirect(ctx, "")
	default:
		return b.signInPopup(ctx)
	}
}

// signInPopup runs the loopback flow: listen on the redirect URL, open the
// system browser at the authorization URL, and wait for the callback.
func (b *OIDCBridge) signInPopup(ctx context.Context) (*ProviderIdentity, error) {
	cb, err := url.Parse(b.cfg.RedirectURL)
	if err != nil || cb.Host == "" {
		return nil, autherr.New(autherr.CodeConfiguration).WithDetails("redirect URL is not a valid loopback address")
	}

	ln, err := net.Listen("tcp", cb.Host)
	if err != nil {
		return nil, autherr.Wrap(autherr.CodeNetwork, err)
	}
	defer ln.Close()

	state := randomToken()
	verifier := oauth2.GenerateVerifier()
	authURL := b.oauth.AuthCodeURL(state, oauth2.S256ChallengeOption(verifier))

	type callback struct {
		code string
		err  error
	}
	results := make(chan callback, 1)

	mux := http.NewServeMux()
	mux.HandleFunc(cb.Path, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		switch {
		case q.Get("state") != state:
			http.Error(w, "state mismatch", http.StatusBadRequest)
			results <- callback{err: autherr.New(autherr.CodeUnknown).WithDetails("callback state mismatch")}
		case q.Get("error") != "":
			fmt.Fprint(w, signInClosedPage)
			results <- callback{err: classifyProviderError(q.Get("error"))}
		default:
			fmt.Fprint(w, signInClosedPage)
			results <- callback{code: q.Get("code")}
		}
	})

	srv := &http.Server{Handler: mux}
	go srv.Serve(ln)
	defer srv.Close()

	if err := b.openBrowser(authURL); err != nil {
		// A blocked surface reads as a cancelled sign-in to the user.
		return nil, autherr.Wrap(autherr.CodeCancelled, err)
	}

	select {
	case <-ctx.Done():
		return nil, autherr.Classify(ctx.Err())
	case res := <-results:
		if res.err != nil {
			return nil, res.err
		}
		return b.exchangeCode(ctx, res.code, verifier)
	}
}

// signInRedirect records pending state, hands the authorization URL to the
// host, and suspends until ResumeRedirect delivers the callback.
func (b *OIDCBridge) signInRedirect(ctx context.Context, route string) (*ProviderIdentity, error) {
	if b.onAuthURL == nil {
		return nil, autherr.New(autherr.CodeConfiguration).WithDetails("redirect mode requires an auth URL handler")
	}

	state := randomToken()
	verifier := oauth2.GenerateVerifier()
	if err := b.pending.Save(pending.SignIn{State: state, Verifier: verifier, Route: route}); err != nil {
		return nil, autherr.Wrap(autherr.CodeUnknown, err)
	}

	ch := make(chan resumeResult, 1)
	b.resumeMu.Lock()
	b.resumeCh = ch
	b.resumeMu.Unlock()
	defer func() {
		b.resumeMu.Lock()
		b.resumeCh = nil
		b.resumeMu.Unlock()
	}()

	b.onAuthURL(b.oauth.AuthCodeURL(state, oauth2.S256ChallengeOption(verifier)))

	select {
	case <-ctx.Done():
		return nil, autherr.Classify(ctx.Err())
	case res := <-ch:
		return res.identity, res.err
	}
}

// ResumeRedirect completes a redirect sign-in from the provider callback
// URL. It returns the identity and the application route saved before the
// round trip. Safe to call after a full process restart: the pending store
// carries the state across it.
func (b *OIDCBridge) ResumeRedirect(ctx context.Context, callbackURL string) (*ProviderIdentity, string, error) {
	u, err := url.Parse(callbackURL)
	if err != nil {
		return nil, "", autherr.Wrap(autherr.CodeUnknown, err)
	}
	q := u.Query()

	if provErr := q.Get("error"); provErr != "" {
		// Consume the pending entry so the state cannot be replayed.
		if st := q.Get("state"); st != "" {
			b.pending.Take(st)
		}
		return nil, "", classifyProviderError(provErr)
	}

	saved, err := b.pending.Take(q.Get("state"))
	if err != nil {
		return nil, "", autherr.New(autherr.CodeUnknown).WithDetails("no pending sign-in matches callback state")
	}

	id, err := b.exchangeCode(ctx, q.Get("code"), saved.Verifier)
	if err != nil {
		b.deliverResume(resumeResult{err: err})
		return nil, "", err
	}
	b.deliverResume(resumeResult{identity: id})
	return id, saved.Route, nil
}

func (b *OIDCBridge) deliverResume(res resumeResult) {
	b.resumeMu.Lock()
	ch := b.resumeCh
	b.resumeMu.Unlock()
	if ch != nil {
		select {
		case ch <- res:
		default:
		}
	}
}

// exchangeCode trades the authorization code for tokens and normalizes the
// verified ID token into a ProviderIdentity.
func (b *OIDCBridge) exchangeCode(ctx context.Context, code, verifier string) (*ProviderIdentity, error) {
	ctx = b.clientContext(ctx)
	tok, err := b.oauth.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		return nil, autherr.Classify(fmt.Errorf("token exchange: %w", err))
	}

	rawID, _ := tok.Extra("id_token").(string)
	if rawID == "" {
		return nil, autherr.New(autherr.CodeUnknown).WithDetails("provider response carried no identity assertion")
	}

	idToken, err := b.verifier.Verify(ctx, rawID)
	if err != nil {
		return nil, autherr.Wrap(autherr.CodeUnauthorized, err)
	}

	id, err := identityFromIDToken(idToken, rawID, tok)
	if err != nil {
		return nil, err
	}
	b.setSession(tok, rawID, idToken.Expiry)
	b.logger.Info("provider sign-in complete", "uid", id.UID, "email_verified", id.EmailVerified)
	return id, nil
}

// RestoreFromExistingSession implements Bridge. It consults the token
// store only; no user interaction, bounded by restoreTimeout.
func (b *OIDCBridge) RestoreFromExistingSession(ctx context.Context) (*ProviderIdentity, error) {
	if b.tokens == nil {
		return nil, nil
	}
	stored, err := b.tokens.Load()
	if err != nil || stored == nil || stored.IDToken == "" {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, restoreTimeout)
	defer cancel()
	ctx = b.clientContext(ctx)

	tok := &oauth2.Token{
		AccessToken:  stored.AccessToken,
		RefreshToken: stored.RefreshToken,
		Expiry:       stored.Expiry,
	}
	raw := stored.IDToken

	claims, err := InspectAssertion(raw)
	if err != nil || time.Until(claims.ExpiresAt) < assertionSkew {
		if stored.RefreshToken == "" {
			return nil, nil
		}
		raw, tok, err = b.refreshedAssertion(ctx, tok)
		if err != nil {
			// A dead stored session is not an error at startup.
			b.logger.Debug("stored provider session could not be refreshed", "err", err)
			return nil, nil
		}
	}

	idToken, err := b.verifier.Verify(ctx, raw)
	if err != nil {
		return nil, nil
	}
	id, err := identityFromIDToken(idToken, raw, tok)
	if err != nil {
		return nil, nil
	}
	b.setSession(tok, raw, idToken.Expiry)
	return id, nil
}

// RefreshAssertion implements Bridge. Concurrent callers coalesce onto a
// single provider round trip per force class.
func (b *OIDCBridge) RefreshAssertion(ctx context.Context, forceRefresh bool) (string, error) {
	if !forceRefresh {
		b.mu.Lock()
		raw, exp := b.raw, b.rawExp
		b.mu.Unlock()
		if raw != "" && time.Until(exp) >= assertionSkew {
			return raw, nil
		}
	}

	key := "refresh"
	if forceRefresh {
		key = "refresh-force"
	}
	v, err, _ := b.sf.Do(key, func() (any, error) {
		b.mu.Lock()
		tok := b.current
		b.mu.Unlock()
		if tok == nil {
			return "", autherr.New(autherr.CodeUnauthorized).WithDetails("no provider session to refresh")
		}
		if forceRefresh {
			// Invalidate the cached access token so the token source
			// performs a real refresh instead of returning it as-is.
			expired := *tok
			expired.Expiry = time.Now().Add(-time.Minute)
			tok = &expired
		}
		raw, next, err := b.refreshedAssertion(b.clientContext(ctx), tok)
		if err != nil {
			return "", err
		}
		claims, cerr := InspectAssertion(raw)
		exp := time.Time{}
		if cerr == nil {
			exp = claims.ExpiresAt
		}
		b.setSession(next, raw, exp)
		return raw, nil
	})
	if err != nil {
		return "", autherr.Classify(err)
	}
	return v.(string), nil
}

// refreshedAssertion runs the refresh grant and extracts the reissued
// identity assertion.
func (b *OIDCBridge) refreshedAssertion(ctx context.Context, tok *oauth2.Token) (string, *oauth2.Token, error) {
	next, err := b.oauth.TokenSource(ctx, tok).Token()
	if err != nil {
		return "", nil, autherr.Classify(fmt.Errorf("assertion refresh: %w", err))
	}
	raw, _ := next.Extra("id_token").(string)
	if raw == "" {
		return "", nil, autherr.New(autherr.CodeUnknown).WithDetails("refresh response carried no identity assertion")
	}
	return raw, next, nil
}

// SignOut implements Bridge. Local provider state is always cleared; the
// token store failure is swallowed.
func (b *OIDCBridge) SignOut(ctx context.Context) error {
	b.mu.Lock()
	b.current = nil
	b.raw = ""
	b.rawExp = time.Time{}
	b.mu.Unlock()
	if b.tokens != nil {
		if err := b.tokens.Clear(); err != nil {
			b.logger.Debug("token store clear failed", "err", err)
		}
	}
	return nil
}

func (b *OIDCBridge) setSession(tok *oauth2.Token, raw string, exp time.Time) {
	b.mu.Lock()
	b.current = tok
	b.raw = raw
	b.rawExp = exp
	b.mu.Unlock()
	if b.tokens != nil {
		err := b.tokens.Save(&StoredToken{
			AccessToken:  tok.AccessToken,
			RefreshToken: tok.RefreshToken,
			IDToken:      raw,
			Expiry:       tok.Expiry,
		})
		if err != nil {
			b.logger.Debug("token store save failed", "err", err)
		}
	}
}

func (b *OIDCBridge) clientContext(ctx context.Context) context.Context {
	if b.httpClient != nil {
		return context.WithValue(ctx, oauth2.HTTPClient, b.httpClient)
	}
	return ctx
}

// identityFromIDToken builds the normalized identity from a verified ID
// token. Email is required: a providerless email cannot be registered with
// the backend.
func identityFromIDToken(idToken *oidc.IDToken, raw string, tok *oauth2.Token) (*ProviderIdentity, error) {
	var claims struct {
		Email         string `json:"email"`
		EmailVerified bool   `json:"email_verified"`
		Name          string `json:"name"`
		Picture       string `json:"picture"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return nil, autherr.Wrap(autherr.CodeUnknown, err)
	}
	if idToken.Subject == "" || claims.Email == "" {
		return nil, autherr.New(autherr.CodeUnknown).WithDetails("provider identity missing required claims")
	}
	return &ProviderIdentity{
		UID:                  idToken.Subject,
		Email:                claims.Email,
		DisplayName:          claims.Name,
		PhotoURL:             claims.Picture,
		EmailVerified:        claims.EmailVerified,
		RawAssertion:         raw,
		ProviderAccessToken:  tok.AccessToken,
		ProviderRefreshToken: tok.RefreshToken,
		AssertionExpiresAt:   idToken.Expiry,
	}, nil
}

// classifyProviderError maps OAuth authorization error codes onto the
// AuthError taxonomy.
func classifyProviderError(code string) error {
	switch code {
	case "access_denied", "interaction_required", "login_required":
		return autherr.New(autherr.CodeCancelled).WithDetails("provider returned %s", code)
	case "temporarily_unavailable":
		return autherr.New(autherr.CodeNetwork).WithDetails("provider temporarily unavailable")
	case "invalid_client", "unauthorized_client", "invalid_scope":
		return autherr.New(autherr.CodeConfiguration).WithDetails("provider rejected client: %s", code)
	default:
		return autherr.New(autherr.CodeUnknown).WithDetails("provider returned %s", code)
	}
}

func randomToken() string {
	buf := make([]byte, 32)
	rand.Read(buf)
	return base64.RawURLEncoding.EncodeToString(buf)
}

var _ Bridge = (*OIDCBridge)(nil)

const signInClosedPage = `<!doctype html><meta charset="utf-8"><title>Signed in</title><p>Sign-in complete. You can close this window.</p>`
