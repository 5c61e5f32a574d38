// Package authsession manages the authentication/session lifecycle for
// the dashboard client: interactive sign-in against an external identity
// provider, exchange of the identity assertion for a backend cookie
// session, transparent refresh across token expiry, and classified error
// surfacing.
//
// The Manager is the single orchestrator. UI code constructs one at
// process start, subscribes to SessionState transitions, and performs all
// resource calls through the Manager's Gateway:
//
//	bridge, err := identity.NewOIDCBridge(ctx, identity.OIDCConfig{
//	    Issuer:      cfg.ProviderIssuer,
//	    ClientID:    cfg.ProviderClientID,
//	    RedirectURL: cfg.RedirectURL,
//	})
//	hs, err := handshake.NewClient(cfg.APIBaseURL,
//	    handshake.WithAssertionSource(bridge.RefreshAssertion))
//	mgr := authsession.New(bridge, hs)
//
//	unsubscribe := mgr.Subscribe(func(s authsession.SessionState) {
//	    render(s)
//	})
//	defer unsubscribe()
//
//	mgr.Start(ctx)          // startup probe
//	mgr.SignIn(ctx)         // on user action
//	mgr.Gateway().Request(ctx, "GET", "/api/channels", nil)
//
// Sub-packages: identity (provider bridge), handshake (backend exchange),
// gateway (authenticated requests), credential (identity holder), autherr
// (error taxonomy).
package authsession
