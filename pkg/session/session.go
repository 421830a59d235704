// Package session implements the gateway's server-side session store.
// Sessions are addressed by an opaque cookie value; all authenticated state
// (ID token claims, CSRF token) lives in the store, never in the cookie.
package session

import (
	"sync"
	"time"
)

// LoginAttempt tracks an in-flight OIDC authorization-code flow.
type LoginAttempt struct {
	// State is the random value round-tripped through the provider.
	State string
	// OriginalURI is where the browser is sent after a successful login.
	OriginalURI string
	// StartedAt bounds how long a dangling attempt is honored.
	StartedAt time.Time
}

// Session is the per-browser-context state owned by the gateway.
// All field access goes through the accessor methods; the zero value is not
// usable, sessions are created by the Store.
type Session struct {
	id        string
	createdAt time.Time
	expiresAt time.Time

	// loginMu serializes login completion per session so concurrent
	// requests sharing one session cannot run two token exchanges.
	loginMu sync.Mutex

	mu            sync.RWMutex
	csrfToken     string
	authenticated bool
	subject       string
	rawIDToken    string
	claims        map[string]interface{}
	login         *LoginAttempt
}

// ID returns the opaque session identifier.
func (s *Session) ID() string { return s.id }

// CreatedAt returns the session creation time.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// ExpiresAt returns the session expiry deadline.
func (s *Session) ExpiresAt() time.Time { return s.expiresAt }

// Authenticated reports whether a principal has been established.
func (s *Session) Authenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.authenticated
}

// Subject returns the stable subject claim of the authenticated principal,
// or the empty string for anonymous sessions.
func (s *Session) Subject() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.subject
}

// RawIDToken returns the raw ID token as issued by the provider. Used as
// the id_token_hint during RP-initiated logout.
func (s *Session) RawIDToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rawIDToken
}

// Claims returns the ID-token claims of the authenticated principal, or nil.
// The returned map is shared and must be treated as read-only.
func (s *Session) Claims() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.claims
}

// CSRFToken returns the session's CSRF token ("" before first issuance).
func (s *Session) CSRFToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.csrfToken
}

// EnsureCSRFToken stores the token produced by gen if the session does not
// have one yet. Returns the effective token and whether it was just issued.
// The check-and-set is atomic so concurrent first requests agree on one token.
func (s *Session) EnsureCSRFToken(gen func() string) (token string, issued bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.csrfToken == "" {
		s.csrfToken = gen()
		return s.csrfToken, true
	}
	return s.csrfToken, false
}

// RotateCSRFToken unconditionally replaces the CSRF token.
func (s *Session) RotateCSRFToken(gen func() string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.csrfToken = gen()
	return s.csrfToken
}

// BeginLogin records an in-flight authorization-code flow.
func (s *Session) BeginLogin(state, originalURI string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.login = &LoginAttempt{State: state, OriginalURI: originalURI, StartedAt: time.Now()}
}

// TakeLogin consumes the pending login attempt, if any. A second concurrent
// callback for the same session observes nil and is rejected.
func (s *Session) TakeLogin() *LoginAttempt {
	s.mu.Lock()
	defer s.mu.Unlock()
	attempt := s.login
	s.login = nil
	return attempt
}

// Promote marks the session authenticated. Called only after the token
// exchange and ID-token verification fully succeeded, so an aborted login
// never leaves a half-authenticated session behind.
func (s *Session) Promote(subject, rawIDToken string, claims map[string]interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authenticated = true
	s.subject = subject
	s.rawIDToken = rawIDToken
	s.claims = claims
}

// SerializeLogin runs fn while holding the session's login lock. Concurrent
// requests completing a login on the same session id execute fn one at a
// time; the second caller observes the state left behind by the first.
func (s *Session) SerializeLogin(fn func() error) error {
	s.loginMu.Lock()
	defer s.loginMu.Unlock()
	return fn()
}

func (s *Session) expired(now time.Time) bool {
	return now.After(s.expiresAt)
}
