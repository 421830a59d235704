package ratelimit

import (
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/polarbookshop/edge-gateway/pkg/apiresponses"
	"github.com/polarbookshop/edge-gateway/pkg/config"
	"github.com/polarbookshop/edge-gateway/pkg/metrics"
	"github.com/polarbookshop/edge-gateway/pkg/session"
)

// AnonymousKey is the shared bucket key for requests without an
// authenticated principal. All anonymous traffic draws from one bucket.
const AnonymousKey = "anonymous"

// Resolution is the outcome of identifying a request for rate limiting.
type Resolution struct {
	// Key selects the token bucket.
	Key string
	// Authenticated picks which of the two limit configurations applies.
	Authenticated bool
}

// KeyResolver maps a request to its rate-limit bucket.
type KeyResolver func(c *gin.Context) Resolution

// SessionKeyResolver resolves the key from the request's session: the
// principal's subject when authenticated, the shared anonymous key otherwise.
func SessionKeyResolver() KeyResolver {
	return func(c *gin.Context) Resolution {
		if sess, ok := session.FromContext(c); ok && sess.Authenticated() {
			if sub := sess.Subject(); sub != "" {
				return Resolution{Key: sub, Authenticated: true}
			}
		}
		return Resolution{Key: AnonymousKey, Authenticated: false}
	}
}

// entry holds one key's token bucket and its last access time.
type entry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// KeyLimiter tracks one token bucket per key with automatic cleanup of
// entries that have gone quiet.
type KeyLimiter struct {
	mu      sync.RWMutex
	entries map[string]*entry

	limit           rate.Limit
	burst           int
	cleanupInterval time.Duration
	maxAge          time.Duration
	done            chan struct{}
}

// NewKeyLimiter creates a per-key limiter and starts its cleanup goroutine.
func NewKeyLimiter(cfg config.Limit) *KeyLimiter {
	kl := &KeyLimiter{
		entries:         make(map[string]*entry),
		limit:           rate.Limit(cfg.Rate),
		burst:           cfg.Burst,
		cleanupInterval: time.Minute,
		maxAge:          5 * time.Minute,
		done:            make(chan struct{}),
	}
	go kl.cleanup()
	return kl
}

// Allow reports whether the request charged against key may proceed.
func (kl *KeyLimiter) Allow(key string) bool {
	kl.mu.Lock()
	defer kl.mu.Unlock()

	e, exists := kl.entries[key]
	if !exists {
		e = &entry{limiter: rate.NewLimiter(kl.limit, kl.burst)}
		kl.entries[key] = e
	}
	e.lastAccess = time.Now()

	return e.limiter.Allow()
}

// Len returns the number of tracked keys.
func (kl *KeyLimiter) Len() int {
	kl.mu.RLock()
	defer kl.mu.RUnlock()
	return len(kl.entries)
}

// Stop terminates the cleanup goroutine.
func (kl *KeyLimiter) Stop() {
	close(kl.done)
}

func (kl *KeyLimiter) cleanup() {
	ticker := time.NewTicker(kl.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-kl.done:
			return
		case <-ticker.C:
			kl.cleanupStaleEntries()
		}
	}
}

func (kl *KeyLimiter) cleanupStaleEntries() {
	kl.mu.Lock()
	defer kl.mu.Unlock()

	now := time.Now()
	for key, e := range kl.entries {
		if now.Sub(e.lastAccess) > kl.maxAge {
			delete(kl.entries, key)
		}
	}
}

// Limiter applies the configured limits per resolved identity. Authenticated
// and anonymous requests draw from separate limiter pools so an anonymous
// burst cannot starve a signed-in user.
type Limiter struct {
	authenticated *KeyLimiter
	anonymous     *KeyLimiter
	resolve       KeyResolver
	enabled       bool
}

// New builds the gateway rate limiter from configuration.
func New(cfg config.RateLimit, resolve KeyResolver) *Limiter {
	return &Limiter{
		authenticated: NewKeyLimiter(cfg.Authenticated),
		anonymous:     NewKeyLimiter(cfg.Anonymous),
		resolve:       resolve,
		enabled:       cfg.Enabled,
	}
}

// Allow resolves the request's bucket and charges it.
func (l *Limiter) Allow(c *gin.Context) (allowed bool, res Resolution) {
	res = l.resolve(c)
	if res.Authenticated {
		return l.authenticated.Allow(res.Key), res
	}
	return l.anonymous.Allow(res.Key), res
}

// Middleware rejects over-limit requests with 429. Must run after the
// session middleware so the resolver can see the principal.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !l.enabled {
			c.Next()
			return
		}

		allowed, res := l.Allow(c)
		if !allowed {
			metrics.RateLimited.WithLabelValues(authLabel(res.Authenticated)).Inc()
			msg := "rate limit exceeded, please try again later"
			if !res.Authenticated {
				msg = "rate limit exceeded, sign in for higher limits"
			}
			apiresponses.RespondTooManyRequests(c, msg)
			c.Abort()
			return
		}
		c.Next()
	}
}

// Stop terminates both cleanup goroutines.
func (l *Limiter) Stop() {
	l.authenticated.Stop()
	l.anonymous.Stop()
}

func authLabel(authenticated bool) string {
	if authenticated {
		return "true"
	}
	return "false"
}
