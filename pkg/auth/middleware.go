package auth

import (
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/polarbookshop/edge-gateway/pkg/apiresponses"
	"github.com/polarbookshop/edge-gateway/pkg/audit"
	"github.com/polarbookshop/edge-gateway/pkg/metrics"
	"github.com/polarbookshop/edge-gateway/pkg/session"
)

// principalKey is the gin context key for a bearer-derived principal.
const principalKey = "edge_principal"

// Policy enforces the access classification on every request: public paths
// pass through, protected paths need a session principal or a bearer token.
type Policy struct {
	classifier    *Classifier
	authenticator *Authenticator
	// bearer is optional; without it API clients must use sessions.
	bearer *BearerVerifier
	trail  *audit.Trail
	log    *zap.SugaredLogger
}

// NewPolicy builds the enforcement middleware.
func NewPolicy(classifier *Classifier, authenticator *Authenticator, bearer *BearerVerifier, trail *audit.Trail, log *zap.SugaredLogger) *Policy {
	return &Policy{
		classifier:    classifier,
		authenticator: authenticator,
		bearer:        bearer,
		trail:         trail,
		log:           log,
	}
}

// Middleware classifies the request and enforces authentication. Must run
// after the session middleware. Unauthenticated browser navigation to a
// protected path starts the login flow; API-style requests get a bare 401.
func (p *Policy) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if p.classifier.Classify(c.Request.Method, c.Request.URL.Path) == AccessPublic {
			c.Next()
			return
		}

		sess, _ := session.FromContext(c)
		if sess != nil && sess.Authenticated() {
			c.Next()
			return
		}

		if p.bearer != nil && HasBearer(c) {
			principal, err := p.bearer.Authenticate(c)
			if err != nil {
				metrics.RequestsUnauthorized.Inc()
				p.trail.AccessDenied(c)
				p.log.Debugw("bearer token rejected",
					"path", c.Request.URL.Path,
					"error", err)
				apiresponses.RespondUnauthorized(c)
				c.Abort()
				return
			}
			c.Set(principalKey, principal)
			c.Next()
			return
		}

		if isBrowserNavigation(c) && sess != nil {
			p.authenticator.RedirectToLogin(c, sess)
			return
		}

		metrics.RequestsUnauthorized.Inc()
		p.trail.AccessDenied(c)
		apiresponses.RespondUnauthorized(c)
		c.Abort()
	}
}

// isBrowserNavigation distinguishes page navigation from API calls: only
// requests that prefer an HTML response are bounced into the login flow.
func isBrowserNavigation(c *gin.Context) bool {
	if c.GetHeader("X-Requested-With") == "XMLHttpRequest" {
		return false
	}
	return strings.Contains(c.GetHeader("Accept"), "text/html")
}

// CurrentPrincipal returns the request's principal, projected fresh from the
// session's ID-token claims or taken from a verified bearer token.
func CurrentPrincipal(c *gin.Context) (Principal, bool) {
	if v, ok := c.Get(principalKey); ok {
		if p, ok := v.(Principal); ok {
			return p, true
		}
	}
	if sess, ok := session.FromContext(c); ok && sess.Authenticated() {
		return PrincipalFromClaims(sess.Claims()), true
	}
	return Principal{}, false
}
