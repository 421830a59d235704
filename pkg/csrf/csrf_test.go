package csrf

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/polarbookshop/edge-gateway/pkg/config"
	"github.com/polarbookshop/edge-gateway/pkg/session"
)

func newTestRig(t *testing.T) (*gin.Engine, *session.Store) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	log := zaptest.NewLogger(t).Sugar()
	store := session.NewStore(config.Session{CookieName: "SESSION", TTL: "12h"}, log)
	t.Cleanup(store.Stop)

	guard := NewGuard(config.CSRF{
		CookieName:  "XSRF-TOKEN",
		HeaderName:  "X-XSRF-TOKEN",
		ExemptPaths: []string{"/catalog-fallback"},
	}, false, log)

	r := gin.New()
	r.Use(store.Middleware(), guard.Middleware())
	r.GET("/page", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.POST("/orders", func(c *gin.Context) { c.Status(http.StatusCreated) })
	r.POST("/catalog-fallback", func(c *gin.Context) { c.Status(http.StatusServiceUnavailable) })
	return r, store
}

func cookieNamed(t *testing.T, resp *http.Response, name string) *http.Cookie {
	t.Helper()
	for _, ck := range resp.Cookies() {
		if ck.Name == name {
			return ck
		}
	}
	return nil
}

func TestNewTokenIsRandomAndLongEnough(t *testing.T) {
	a, b := NewToken(), NewToken()
	assert.NotEqual(t, a, b)
	// 32 bytes base64url without padding.
	assert.Len(t, a, 43)
}

func TestSafeMethodIssuesTokenCookie(t *testing.T) {
	r, _ := newTestRig(t)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/page", nil))

	require.Equal(t, http.StatusOK, w.Code)
	tok := cookieNamed(t, w.Result(), "XSRF-TOKEN")
	require.NotNil(t, tok)
	assert.NotEmpty(t, tok.Value)
	assert.False(t, tok.HttpOnly, "token cookie must be readable by page scripts")
}

func TestMutatingRequestWithoutHeaderIsRejected(t *testing.T) {
	r, _ := newTestRig(t)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/orders", nil))

	assert.Equal(t, http.StatusForbidden, w.Code)
	// The rejection response still carries the cookie so the client can
	// repair itself and retry.
	assert.NotNil(t, cookieNamed(t, w.Result(), "XSRF-TOKEN"))
}

func TestMutatingRequestWithWrongTokenIsRejected(t *testing.T) {
	r, _ := newTestRig(t)

	// Establish a session and token first.
	w1 := httptest.NewRecorder()
	r.ServeHTTP(w1, httptest.NewRequest(http.MethodGet, "/page", nil))
	sessCookie := cookieNamed(t, w1.Result(), "SESSION")
	require.NotNil(t, sessCookie)

	w2 := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/orders", nil)
	req.AddCookie(sessCookie)
	req.Header.Set("X-XSRF-TOKEN", "forged")
	r.ServeHTTP(w2, req)

	assert.Equal(t, http.StatusForbidden, w2.Code)
}

func TestMutatingRequestWithTamperedCookieIsRejected(t *testing.T) {
	r, _ := newTestRig(t)

	w1 := httptest.NewRecorder()
	r.ServeHTTP(w1, httptest.NewRequest(http.MethodGet, "/page", nil))
	sessCookie := cookieNamed(t, w1.Result(), "SESSION")
	tokCookie := cookieNamed(t, w1.Result(), "XSRF-TOKEN")
	require.NotNil(t, sessCookie)
	require.NotNil(t, tokCookie)

	// Correct header, but the cookie half of the double submit was
	// altered. Both halves must match the session token.
	w2 := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/orders", nil)
	req.AddCookie(sessCookie)
	req.AddCookie(&http.Cookie{Name: "XSRF-TOKEN", Value: "tampered"})
	req.Header.Set("X-XSRF-TOKEN", tokCookie.Value)
	r.ServeHTTP(w2, req)

	assert.Equal(t, http.StatusForbidden, w2.Code)
}

func TestExemptPathSkipsGuard(t *testing.T) {
	r, _ := newTestRig(t)

	// No session, no token, mutating method: the exempt path still
	// reaches its handler.
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/catalog-fallback", nil))

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Nil(t, cookieNamed(t, w.Result(), "XSRF-TOKEN"))
}

func TestMutatingRequestWithMatchingTokenPasses(t *testing.T) {
	r, _ := newTestRig(t)

	w1 := httptest.NewRecorder()
	r.ServeHTTP(w1, httptest.NewRequest(http.MethodGet, "/page", nil))
	sessCookie := cookieNamed(t, w1.Result(), "SESSION")
	tokCookie := cookieNamed(t, w1.Result(), "XSRF-TOKEN")
	require.NotNil(t, sessCookie)
	require.NotNil(t, tokCookie)

	w2 := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/orders", nil)
	req.AddCookie(sessCookie)
	req.AddCookie(tokCookie)
	req.Header.Set("X-XSRF-TOKEN", tokCookie.Value)
	r.ServeHTTP(w2, req)

	assert.Equal(t, http.StatusCreated, w2.Code)
}

func TestTokenSurvivesAcrossRequests(t *testing.T) {
	r, _ := newTestRig(t)

	w1 := httptest.NewRecorder()
	r.ServeHTTP(w1, httptest.NewRequest(http.MethodGet, "/page", nil))
	sessCookie := cookieNamed(t, w1.Result(), "SESSION")
	tokCookie := cookieNamed(t, w1.Result(), "XSRF-TOKEN")

	// Same session, cookie already in sync: no reissue, token unchanged.
	w2 := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/page", nil)
	req.AddCookie(sessCookie)
	req.AddCookie(tokCookie)
	r.ServeHTTP(w2, req)

	assert.Nil(t, cookieNamed(t, w2.Result(), "XSRF-TOKEN"))
}

func TestRotateReplacesToken(t *testing.T) {
	gin.SetMode(gin.TestMode)
	log := zaptest.NewLogger(t).Sugar()
	store := session.NewStore(config.Session{CookieName: "SESSION", TTL: "12h"}, log)
	t.Cleanup(store.Stop)
	guard := NewGuard(config.CSRF{CookieName: "XSRF-TOKEN", HeaderName: "X-XSRF-TOKEN"}, false, log)

	sess := store.Create()
	before, _ := sess.EnsureCSRFToken(NewToken)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
	guard.Rotate(c, sess)

	after := sess.CSRFToken()
	assert.NotEqual(t, before, after)
	tok := cookieNamed(t, w.Result(), "XSRF-TOKEN")
	require.NotNil(t, tok)
	assert.Equal(t, after, tok.Value)
}
