package session

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/polarbookshop/edge-gateway/pkg/config"
	"github.com/polarbookshop/edge-gateway/pkg/metrics"
)

// contextKey is the gin context key under which the request's session is stored.
const contextKey = "edge_session"

// InvalidateReason labels why a session was removed, for the metrics.
const (
	ReasonLogout  = "logout"
	ReasonExpired = "expired"
	ReasonLogin   = "login"
)

// Store holds all live sessions in memory. A background goroutine evicts
// expired entries so abandoned browser contexts do not accumulate.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	cookieName   string
	cookieSecure bool
	ttl          time.Duration

	log  *zap.SugaredLogger
	stop chan struct{}
	once sync.Once
}

// NewStore creates a session store from the session configuration and starts
// the expiry sweep.
func NewStore(cfg config.Session, log *zap.SugaredLogger) *Store {
	s := &Store{
		sessions:     make(map[string]*Session),
		cookieName:   cfg.CookieName,
		cookieSecure: cfg.CookieSecure,
		ttl:          cfg.TTLDuration(),
		log:          log,
		stop:         make(chan struct{}),
	}
	go s.sweep()
	return s
}

// Stop terminates the expiry sweep goroutine.
func (s *Store) Stop() {
	s.once.Do(func() { close(s.stop) })
}

// CookieName returns the configured session cookie name.
func (s *Store) CookieName() string { return s.cookieName }

// Create allocates a new anonymous session.
func (s *Store) Create() *Session {
	now := time.Now()
	sess := &Session{
		id:        uuid.NewString(),
		createdAt: now,
		expiresAt: now.Add(s.ttl),
	}

	s.mu.Lock()
	s.sessions[sess.id] = sess
	size := len(s.sessions)
	s.mu.Unlock()

	metrics.SessionsCreated.Inc()
	metrics.SessionsActive.Set(float64(size))
	return sess
}

// Get returns the live session for id. Expired sessions are evicted on
// access and reported as absent.
func (s *Store) Get(id string) (*Session, bool) {
	s.mu.RLock()
	sess, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if sess.expired(time.Now()) {
		s.Invalidate(id, ReasonExpired)
		return nil, false
	}
	return sess, true
}

// Invalidate removes the session with the given id. Invalidation happens
// before any redirect that depends on it, so a request racing a logout
// observes the session as already gone.
func (s *Store) Invalidate(id, reason string) {
	s.mu.Lock()
	_, ok := s.sessions[id]
	if ok {
		delete(s.sessions, id)
	}
	size := len(s.sessions)
	s.mu.Unlock()

	if ok {
		metrics.SessionsInvalidated.WithLabelValues(reason).Inc()
		metrics.SessionsActive.Set(float64(size))
	}
}

// Rotate moves the session's state under a fresh id and invalidates the old
// one. Run on login so a pre-login session id captured by an attacker never
// names an authenticated session.
func (s *Store) Rotate(old *Session) *Session {
	now := time.Now()
	fresh := &Session{
		id:        uuid.NewString(),
		createdAt: now,
		expiresAt: now.Add(s.ttl),
	}

	old.mu.RLock()
	fresh.csrfToken = old.csrfToken
	fresh.authenticated = old.authenticated
	fresh.subject = old.subject
	fresh.rawIDToken = old.rawIDToken
	fresh.claims = old.claims
	old.mu.RUnlock()

	s.mu.Lock()
	s.sessions[fresh.id] = fresh
	s.mu.Unlock()
	metrics.SessionsCreated.Inc()

	s.Invalidate(old.id, ReasonLogin)
	return fresh
}

// Len returns the number of live sessions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// sweep periodically evicts expired sessions.
func (s *Store) sweep() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.evictExpired(time.Now())
		}
	}
}

func (s *Store) evictExpired(now time.Time) {
	s.mu.Lock()
	evicted := 0
	for id, sess := range s.sessions {
		if sess.expired(now) {
			delete(s.sessions, id)
			evicted++
		}
	}
	size := len(s.sessions)
	s.mu.Unlock()

	if evicted > 0 {
		for i := 0; i < evicted; i++ {
			metrics.SessionsInvalidated.WithLabelValues(ReasonExpired).Inc()
		}
		metrics.SessionsActive.Set(float64(size))
		s.log.Debugw("evicted expired sessions", "count", evicted, "active", size)
	}
}

// SetCookie writes the session cookie on the response. The cookie is
// HttpOnly: scripts never see the session id, only the CSRF token cookie.
func (s *Store) SetCookie(c *gin.Context, sess *Session) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(s.cookieName, sess.ID(), int(s.ttl/time.Second), "/", "", s.cookieSecure, true)
}

// ClearCookie expires the session cookie on the response.
func (s *Store) ClearCookie(c *gin.Context) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(s.cookieName, "", -1, "/", "", s.cookieSecure, true)
}

// Middleware resolves the request's session from the session cookie and
// attaches it to the gin context. Requests without a live session get a
// fresh anonymous one and the cookie is (re)set on the response.
func (s *Store) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		var sess *Session
		if id, err := c.Cookie(s.cookieName); err == nil && id != "" {
			sess, _ = s.Get(id)
		}
		if sess == nil {
			sess = s.Create()
			s.SetCookie(c, sess)
		}
		Attach(c, sess)
		c.Next()
	}
}

// Attach binds a session to the request context.
func Attach(c *gin.Context, sess *Session) {
	c.Set(contextKey, sess)
}

// FromContext returns the session attached to the request, if any.
func FromContext(c *gin.Context) (*Session, bool) {
	v, ok := c.Get(contextKey)
	if !ok {
		return nil, false
	}
	sess, ok := v.(*Session)
	return sess, ok
}
