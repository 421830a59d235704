package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/polarbookshop/edge-gateway/pkg/config"
	"github.com/polarbookshop/edge-gateway/pkg/session"
)

func TestKeyLimiterAllowWithinBurst(t *testing.T) {
	kl := NewKeyLimiter(config.Limit{Rate: 1, Burst: 3})
	defer kl.Stop()

	for i := 0; i < 3; i++ {
		assert.True(t, kl.Allow("alice"), "request %d within burst", i)
	}
	assert.False(t, kl.Allow("alice"), "burst exhausted")
}

func TestKeyLimiterKeysAreIndependent(t *testing.T) {
	kl := NewKeyLimiter(config.Limit{Rate: 1, Burst: 1})
	defer kl.Stop()

	assert.True(t, kl.Allow("alice"))
	assert.False(t, kl.Allow("alice"))
	assert.True(t, kl.Allow("bob"), "bob has his own bucket")
}

func TestKeyLimiterRefills(t *testing.T) {
	kl := NewKeyLimiter(config.Limit{Rate: 100, Burst: 1})
	defer kl.Stop()

	assert.True(t, kl.Allow("alice"))
	assert.False(t, kl.Allow("alice"))

	time.Sleep(50 * time.Millisecond)
	assert.True(t, kl.Allow("alice"), "bucket refilled")
}

func TestKeyLimiterCleanupStaleEntries(t *testing.T) {
	kl := NewKeyLimiter(config.Limit{Rate: 1, Burst: 1})
	defer kl.Stop()
	kl.maxAge = time.Millisecond

	kl.Allow("alice")
	kl.Allow("bob")
	require.Equal(t, 2, kl.Len())

	time.Sleep(5 * time.Millisecond)
	kl.cleanupStaleEntries()
	assert.Equal(t, 0, kl.Len())
}

func staticResolver(res Resolution) KeyResolver {
	return func(*gin.Context) Resolution { return res }
}

func limitedRouter(t *testing.T, cfg config.RateLimit, resolve KeyResolver) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	l := New(cfg, resolve)
	t.Cleanup(l.Stop)

	r := gin.New()
	r.Use(l.Middleware())
	r.GET("/books", func(c *gin.Context) { c.Status(http.StatusOK) })
	return r
}

func TestMiddlewareRejectsWith429(t *testing.T) {
	cfg := config.RateLimit{
		Enabled:       true,
		Authenticated: config.Limit{Rate: 1, Burst: 2},
		Anonymous:     config.Limit{Rate: 1, Burst: 2},
	}
	r := limitedRouter(t, cfg, staticResolver(Resolution{Key: AnonymousKey}))

	var last int
	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/books", nil))
		last = w.Code
	}
	assert.Equal(t, http.StatusTooManyRequests, last)
}

func TestMiddlewareDisabledPassesEverything(t *testing.T) {
	cfg := config.RateLimit{
		Enabled:   false,
		Anonymous: config.Limit{Rate: 1, Burst: 1},
	}
	r := limitedRouter(t, cfg, staticResolver(Resolution{Key: AnonymousKey}))

	for i := 0; i < 10; i++ {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/books", nil))
		assert.Equal(t, http.StatusOK, w.Code)
	}
}

func TestAuthenticatedAndAnonymousPoolsAreSeparate(t *testing.T) {
	cfg := config.RateLimit{
		Enabled:       true,
		Authenticated: config.Limit{Rate: 1, Burst: 5},
		Anonymous:     config.Limit{Rate: 1, Burst: 1},
	}
	l := New(cfg, nil)
	defer l.Stop()

	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())

	l.resolve = staticResolver(Resolution{Key: AnonymousKey, Authenticated: false})
	allowed, _ := l.Allow(c)
	require.True(t, allowed)
	allowed, _ = l.Allow(c)
	require.False(t, allowed, "anonymous bucket exhausted")

	l.resolve = staticResolver(Resolution{Key: "alice", Authenticated: true})
	allowed, res := l.Allow(c)
	assert.True(t, allowed, "authenticated pool unaffected by anonymous burst")
	assert.True(t, res.Authenticated)
}

func TestSessionKeyResolver(t *testing.T) {
	gin.SetMode(gin.TestMode)
	log := zaptest.NewLogger(t).Sugar()
	store := session.NewStore(config.Session{CookieName: "SESSION", TTL: "12h"}, log)
	t.Cleanup(store.Stop)

	resolve := SessionKeyResolver()

	t.Run("no session", func(t *testing.T) {
		c, _ := gin.CreateTestContext(httptest.NewRecorder())
		res := resolve(c)
		assert.Equal(t, AnonymousKey, res.Key)
		assert.False(t, res.Authenticated)
	})

	t.Run("anonymous session", func(t *testing.T) {
		c, _ := gin.CreateTestContext(httptest.NewRecorder())
		session.Attach(c, store.Create())
		res := resolve(c)
		assert.Equal(t, AnonymousKey, res.Key)
		assert.False(t, res.Authenticated)
	})

	t.Run("authenticated session", func(t *testing.T) {
		sess := store.Create()
		sess.Promote("user-42", "raw", nil)

		c, _ := gin.CreateTestContext(httptest.NewRecorder())
		session.Attach(c, sess)
		res := resolve(c)
		assert.Equal(t, "user-42", res.Key)
		assert.True(t, res.Authenticated)
	})
}
