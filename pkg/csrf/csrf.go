// Package csrf implements double-submit CSRF protection. The session-bound
// token is mirrored into a cookie that page scripts can read; mutating
// requests must echo it back in a request header.
package csrf

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/polarbookshop/edge-gateway/pkg/apiresponses"
	"github.com/polarbookshop/edge-gateway/pkg/config"
	"github.com/polarbookshop/edge-gateway/pkg/metrics"
	"github.com/polarbookshop/edge-gateway/pkg/session"
)

const tokenBytes = 32

// errNoSession signals a wiring mistake: the guard ran without the session
// middleware in front of it.
var errNoSession = errors.New("no session on request context")

// Guard validates and issues CSRF tokens per session.
type Guard struct {
	cookieName   string
	headerName   string
	cookieSecure bool
	exempt       map[string]struct{}
	log          *zap.SugaredLogger
}

// NewGuard builds a guard from the CSRF configuration. The cookie secure
// flag follows the session cookie so both behave the same behind TLS.
func NewGuard(cfg config.CSRF, cookieSecure bool, log *zap.SugaredLogger) *Guard {
	exempt := make(map[string]struct{}, len(cfg.ExemptPaths))
	for _, p := range cfg.ExemptPaths {
		exempt[p] = struct{}{}
	}
	return &Guard{
		cookieName:   cfg.CookieName,
		headerName:   cfg.HeaderName,
		cookieSecure: cookieSecure,
		exempt:       exempt,
		log:          log,
	}
}

// NewToken produces a fresh random token, base64url encoded.
func NewToken() string {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand never fails on supported platforms.
		panic(err)
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}

// HeaderName returns the request header carrying the token echo.
func (g *Guard) HeaderName() string { return g.headerName }

// Middleware enforces the double-submit check on mutating methods and makes
// sure every response carries the token cookie. Must run after the session
// middleware.
func (g *Guard) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, skip := g.exempt[c.Request.URL.Path]; skip {
			c.Next()
			return
		}

		sess, ok := session.FromContext(c)
		if !ok {
			apiresponses.RespondInternalError(c, "csrf guard", errNoSession, g.log)
			c.Abort()
			return
		}

		token, issued := sess.EnsureCSRFToken(NewToken)
		if issued {
			metrics.CSRFIssued.Inc()
		}

		if !safeMethod(c.Request.Method) {
			presented := c.GetHeader(g.headerName)
			submitted, _ := c.Cookie(g.cookieName)
			// Both halves of the double submit must match the session
			// token. A tampered cookie fails even when the header is
			// correct.
			headerOK := presented != "" && subtle.ConstantTimeCompare([]byte(presented), []byte(token)) == 1
			cookieOK := submitted != "" && subtle.ConstantTimeCompare([]byte(submitted), []byte(token)) == 1
			if !headerOK || !cookieOK {
				metrics.CSRFRejected.Inc()
				g.log.Infow("rejected request with missing or stale CSRF token",
					"method", c.Request.Method,
					"path", c.Request.URL.Path,
					"header_present", presented != "",
					"cookie_present", submitted != "")
				g.setCookie(c, token)
				apiresponses.RespondForbidden(c, "invalid CSRF token")
				c.Abort()
				return
			}
		}

		// Reissue the cookie whenever the browser's copy is absent or
		// diverged, e.g. after a login-time rotation.
		if current, err := c.Cookie(g.cookieName); err != nil || current != token {
			g.setCookie(c, token)
		}

		c.Next()
	}
}

// Rotate replaces the session's token and mirrors the new value into the
// cookie. Called on login so pre-authentication tokens stop working.
func (g *Guard) Rotate(c *gin.Context, sess *session.Session) {
	token := sess.RotateCSRFToken(NewToken)
	metrics.CSRFIssued.Inc()
	g.setCookie(c, token)
}

// setCookie writes the readable token cookie. Intentionally not HttpOnly:
// the double-submit scheme relies on page scripts copying it into the header.
func (g *Guard) setCookie(c *gin.Context, token string) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(g.cookieName, token, 0, "/", "", g.cookieSecure, false)
}

func safeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
		return true
	}
	return false
}
