package proxy

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/polarbookshop/edge-gateway/pkg/audit"
	"github.com/polarbookshop/edge-gateway/pkg/config"
	"github.com/polarbookshop/edge-gateway/pkg/session"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// closeNotifyRecorder implements http.CloseNotifier, which the reverse proxy
// requires of the ResponseWriter when the request context has no Done channel
// (as is the case for httptest.NewRequest).
type closeNotifyRecorder struct {
	*httptest.ResponseRecorder
	closed chan bool
}

func newCloseNotifyRecorder() *closeNotifyRecorder {
	return &closeNotifyRecorder{httptest.NewRecorder(), make(chan bool, 1)}
}

func (c *closeNotifyRecorder) CloseNotify() <-chan bool { return c.closed }

func newTestRouter(t *testing.T, routes []config.Route) (*Router, *gin.Engine) {
	t.Helper()
	log := zaptest.NewLogger(t).Sugar()
	trail, err := audit.NewTrail(config.Audit{}, zaptest.NewLogger(t))
	require.NoError(t, err)

	router, err := NewRouter(routes, trail, log)
	require.NoError(t, err)

	engine := gin.New()
	router.Register(engine)
	return router, engine
}

func TestNewRouterRejectsInvalidBackend(t *testing.T) {
	log := zaptest.NewLogger(t).Sugar()
	trail, err := audit.NewTrail(config.Audit{}, zaptest.NewLogger(t))
	require.NoError(t, err)

	_, err = NewRouter([]config.Route{
		{ID: "broken", PathPrefix: "/books", Backend: "not a url"},
	}, trail, log)
	assert.Error(t, err)

	_, err = NewRouter([]config.Route{
		{ID: "broken", PathPrefix: "/books", Backend: "/relative/only"},
	}, trail, log)
	assert.Error(t, err)
}

func TestProxyForwardsToBackend(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "%s %s", r.Method, r.URL.Path)
	}))
	defer backend.Close()

	_, engine := newTestRouter(t, []config.Route{
		{ID: "catalog", PathPrefix: "/books", Backend: backend.URL},
	})

	w := newCloseNotifyRecorder()
	engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/books/isbn/1234567890", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "GET /books/isbn/1234567890", w.Body.String())

	// The bare prefix is routed too.
	w = newCloseNotifyRecorder()
	engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/books", nil))
	assert.Equal(t, "GET /books", w.Body.String())
}

func TestProxyForwardsIdentityHeader(t *testing.T) {
	var gotUser string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser = r.Header.Get("X-Forwarded-User")
	}))
	defer backend.Close()

	router, _ := newTestRouter(t, []config.Route{
		{ID: "orders", PathPrefix: "/orders", Backend: backend.URL},
	})

	log := zaptest.NewLogger(t).Sugar()
	store := session.NewStore(config.Session{TTL: "1h"}, log)
	defer store.Stop()

	engine := gin.New()
	engine.Use(func(c *gin.Context) {
		sess := store.Create()
		sess.Promote("subj-1", "raw", map[string]interface{}{"preferred_username": "jon.snow"})
		session.Attach(c, sess)
	})
	router.Register(engine)

	// A spoofed header from the client must not survive.
	req := httptest.NewRequest(http.MethodGet, "/orders", nil)
	req.Header.Set("X-Forwarded-User", "mallory")
	engine.ServeHTTP(newCloseNotifyRecorder(), req)
	assert.Equal(t, "jon.snow", gotUser)
}

func TestProxyStripsIdentityHeaderWhenAnonymous(t *testing.T) {
	var gotUser string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser = r.Header.Get("X-Forwarded-User")
	}))
	defer backend.Close()

	_, engine := newTestRouter(t, []config.Route{
		{ID: "orders", PathPrefix: "/orders", Backend: backend.URL},
	})

	req := httptest.NewRequest(http.MethodGet, "/orders", nil)
	req.Header.Set("X-Forwarded-User", "mallory")
	engine.ServeHTTP(newCloseNotifyRecorder(), req)
	assert.Empty(t, gotUser)
}

func TestProxyPassesBackendStatusThrough(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer backend.Close()

	_, engine := newTestRouter(t, []config.Route{
		{ID: "catalog", PathPrefix: "/books", Backend: backend.URL},
	})

	w := newCloseNotifyRecorder()
	engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/books/unknown", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestProxyServesFallbackWhenBackendUnreachable(t *testing.T) {
	backend := httptest.NewServer(http.NotFoundHandler())
	backend.Close()

	_, engine := newTestRouter(t, []config.Route{
		{ID: "catalog", PathPrefix: "/books", Backend: backend.URL, FallbackPath: "/catalog-fallback"},
	})

	w := newCloseNotifyRecorder()
	engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/books", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Body.String())

	w = newCloseNotifyRecorder()
	engine.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/books", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "service unavailable")
}

func TestProxyWithoutFallbackAnswersBadGateway(t *testing.T) {
	backend := httptest.NewServer(http.NotFoundHandler())
	backend.Close()

	_, engine := newTestRouter(t, []config.Route{
		{ID: "orders", PathPrefix: "/orders", Backend: backend.URL},
	})

	w := newCloseNotifyRecorder()
	engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/orders", nil))
	assert.Equal(t, http.StatusBadGateway, w.Code)
}

func TestProxyBreakerOpensAfterRepeatedFailures(t *testing.T) {
	backend := httptest.NewServer(http.NotFoundHandler())
	backend.Close()

	router, engine := newTestRouter(t, []config.Route{
		{ID: "catalog", PathPrefix: "/books", Backend: backend.URL, FallbackPath: "/catalog-fallback"},
	})

	route := router.Routes()[0]
	assert.True(t, route.Healthy())

	for i := 0; i < 6; i++ {
		w := newCloseNotifyRecorder()
		engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/books", nil))
		assert.Equal(t, http.StatusOK, w.Code)
	}

	assert.False(t, route.Healthy())

	// Short-circuited requests still get the degraded response.
	w := newCloseNotifyRecorder()
	engine.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/books", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestFallbackController(t *testing.T) {
	engine := gin.New()
	rg := engine.Group("/")
	require.NoError(t, NewFallbackController().Register(rg))

	w := newCloseNotifyRecorder()
	engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/catalog-fallback", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Body.String())

	w = newCloseNotifyRecorder()
	engine.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/catalog-fallback", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestRouteAccessors(t *testing.T) {
	router, _ := newTestRouter(t, []config.Route{
		{ID: "orders", PathPrefix: "/orders", Backend: "http://localhost:9002"},
	})
	require.Len(t, router.Routes(), 1)
	assert.Equal(t, "orders", router.Routes()[0].ID())
}
