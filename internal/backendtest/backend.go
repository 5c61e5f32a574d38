// Package backendtest fakes the backend handshake endpoints: the login
// exchange, session introspection, and logout. Tests drive it through
// httptest; the authctl CLI can serve it locally for manual runs.
package backendtest

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
)

// SessionCookie is the cookie name carrying the fake backend session.
// The real backend sets it HTTP-only, Secure, SameSite=None; the fake
// omits Secure so plain-HTTP test servers still round-trip it.
const SessionCookie = "ttpro_session"

// User is a fake backend user record.
type User struct {
	UID   string `json:"uid"`
	Email string `json:"email"`
}

// Backend is a scriptable fake of the handshake endpoints.
type Backend struct {
	mu            sync.Mutex
	accepted      map[string]User // assertion -> user
	registrations map[string]int  // uid -> exchange count
	sessions      map[string]string
	disabled      map[string]bool
	failQueue     []int
	exchangeDelay time.Duration

	exchangeCalls atomic.Int64
	sessionCalls  atomic.Int64
	logoutCalls   atomic.Int64

	router chi.Router
}

// New returns an empty fake backend.
func New() *Backend {
	b := &Backend{
		accepted:      make(map[string]User),
		registrations: make(map[string]int),
		sessions:      make(map[string]string),
		disabled:      make(map[string]bool),
	}
	r := chi.NewRouter()
	r.Post("/api/auth/firebase", b.handleExchange)
	r.Get("/api/auth/session", b.handleSession)
	r.Post("/api/auth/logout", b.handleLogout)
	b.router = r
	return b
}

// Handler returns the backend's HTTP handler.
func (b *Backend) Handler() http.Handler { return b.router }

// AcceptAssertion registers an assertion the backend will treat as valid.
func (b *Backend) AcceptAssertion(raw string, u User) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.accepted[raw] = u
}

// AcceptPrefix makes every assertion with the given prefix resolve to u.
// Useful with bridges that mint a fresh assertion per refresh.
func (b *Backend) AcceptPrefix(prefix string, u User) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.accepted["prefix:"+prefix] = u
}

// FailNextExchange queues a forced status for upcoming exchange calls, in
// order.
func (b *Backend) FailNextExchange(status int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failQueue = append(b.failQueue, status)
}

// DisableAccount makes future exchanges for uid fail as disabled.
func (b *Backend) DisableAccount(uid string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.disabled[uid] = true
}

// SetExchangeDelay slows the exchange handler, for coalescing tests.
func (b *Backend) SetExchangeDelay(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.exchangeDelay = d
}

// ExchangeCalls reports how many exchange requests arrived.
func (b *Backend) ExchangeCalls() int64 { return b.exchangeCalls.Load() }

// SessionCalls reports how many introspection requests arrived.
func (b *Backend) SessionCalls() int64 { return b.sessionCalls.Load() }

// LogoutCalls reports how many logout requests arrived.
func (b *Backend) LogoutCalls() int64 { return b.logoutCalls.Load() }

// RegistrationCount reports how many exchanges completed for uid. The
// backend keeps one user record regardless, mirroring the idempotent
// registration contract.
func (b *Backend) RegistrationCount(uid string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.registrations[uid]
}

// DistinctUsers reports how many distinct user records exist.
func (b *Backend) DistinctUsers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.registrations)
}

func (b *Backend) handleExchange(w http.ResponseWriter, r *http.Request) {
	b.exchangeCalls.Add(1)

	b.mu.Lock()
	delay := b.exchangeDelay
	var forced int
	if len(b.failQueue) > 0 {
		forced = b.failQueue[0]
		b.failQueue = b.failQueue[1:]
	}
	b.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if forced != 0 {
		writeJSON(w, forced, map[string]string{"detail": http.StatusText(forced)})
		return
	}

	assertion := bearerToken(r)
	if assertion == "" {
		var body struct {
			IDToken string `json:"idToken"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		assertion = body.IDToken
	}

	u, ok := b.lookup(assertion)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "invalid or expired assertion"})
		return
	}

	b.mu.Lock()
	if b.disabled[u.UID] {
		b.mu.Unlock()
		writeJSON(w, http.StatusForbidden, map[string]string{"detail": "account disabled"})
		return
	}
	b.registrations[u.UID]++
	already := b.registrations[u.UID] > 1
	token := randomHex()
	b.sessions[token] = u.UID
	b.mu.Unlock()

	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"user": map[string]any{
			"uid":                u.UID,
			"email":              u.Email,
			"already_registered": already,
		},
	})
}

func (b *Backend) handleSession(w http.ResponseWriter, r *http.Request) {
	b.sessionCalls.Add(1)
	uid, ok := b.sessionFor(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "no active session"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"uid": uid})
}

func (b *Backend) handleLogout(w http.ResponseWriter, r *http.Request) {
	b.logoutCalls.Add(1)
	if cookie, err := r.Cookie(SessionCookie); err == nil {
		b.mu.Lock()
		delete(b.sessions, cookie.Value)
		b.mu.Unlock()
	}
	http.SetCookie(w, &http.Cookie{Name: SessionCookie, Value: "", Path: "/", MaxAge: -1})
	writeJSON(w, http.StatusOK, map[string]string{"status": "signed out"})
}

// RequireSession guards arbitrary resource handlers with the fake session,
// so gateway tests can mount protected endpoints next to the auth ones.
func (b *Backend) RequireSession(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, ok := b.sessionFor(r); !ok {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "no active session"})
			return
		}
		next(w, r)
	}
}

// Mount adds a route to the backend router.
func (b *Backend) Mount(method, pattern string, h http.HandlerFunc) {
	b.router.MethodFunc(method, pattern, h)
}

// RevokeAllSessions invalidates every live session, simulating backend
// session expiry.
func (b *Backend) RevokeAllSessions() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sessions = make(map[string]string)
}

func (b *Backend) sessionFor(r *http.Request) (string, bool) {
	cookie, err := r.Cookie(SessionCookie)
	if err != nil {
		return "", false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	uid, ok := b.sessions[cookie.Value]
	return uid, ok
}

func (b *Backend) lookup(assertion string) (User, bool) {
	if assertion == "" {
		return User{}, false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if u, ok := b.accepted[assertion]; ok {
		return u, true
	}
	for key, u := range b.accepted {
		if prefix, found := strings.CutPrefix(key, "prefix:"); found && strings.HasPrefix(assertion, prefix) {
			return u, true
		}
	}
	return User{}, false
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if token, found := strings.CutPrefix(h, "Bearer "); found {
		return token
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func randomHex() string {
	buf := make([]byte, 16)
	rand.Read(buf)
	return hex.EncodeToString(buf)
}
