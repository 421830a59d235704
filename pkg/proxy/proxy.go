// Package proxy forwards matched requests to backend services. Each route
// carries its own circuit breaker; while a backend is unhealthy its
// requests are answered by the route's degraded fallback response instead
// of piling onto a dead service.
package proxy

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/polarbookshop/edge-gateway/pkg/apiresponses"
	"github.com/polarbookshop/edge-gateway/pkg/audit"
	"github.com/polarbookshop/edge-gateway/pkg/auth"
	"github.com/polarbookshop/edge-gateway/pkg/config"
	"github.com/polarbookshop/edge-gateway/pkg/metrics"
	"github.com/polarbookshop/edge-gateway/pkg/resilience"
	"github.com/polarbookshop/edge-gateway/pkg/system"
)

// proxyErrKey carries the transport error of a single proxied request.
type proxyErrKey struct{}

// Route is one backend mapping with its breaker.
type Route struct {
	id           string
	prefix       string
	fallbackPath string
	proxy        *httputil.ReverseProxy
	breaker      *resilience.CircuitBreaker
	trail        *audit.Trail
	log          *zap.SugaredLogger
}

// Router owns all backend routes.
type Router struct {
	routes []*Route
	trail  *audit.Trail
	log    *zap.SugaredLogger
}

// NewRouter builds the proxy routes from configuration.
func NewRouter(cfgRoutes []config.Route, trail *audit.Trail, log *zap.SugaredLogger) (*Router, error) {
	r := &Router{trail: trail, log: log}

	for _, rc := range cfgRoutes {
		target, err := url.Parse(rc.Backend)
		if err != nil || target.Scheme == "" || target.Host == "" {
			return nil, fmt.Errorf("route %s: invalid backend URL %q", rc.ID, rc.Backend)
		}

		rp := httputil.NewSingleHostReverseProxy(target)
		rp.Transport = &http.Transport{
			MaxIdleConnsPerHost:   32,
			IdleConnTimeout:       90 * time.Second,
			ResponseHeaderTimeout: 10 * time.Second,
		}
		// The default handler writes a bare 502. The error is captured
		// instead so the route can decide between breaker bookkeeping
		// and the fallback response.
		rp.ErrorHandler = func(_ http.ResponseWriter, req *http.Request, err error) {
			if p, ok := req.Context().Value(proxyErrKey{}).(*error); ok {
				*p = err
			}
		}

		route := &Route{
			id:           rc.ID,
			prefix:       rc.PathPrefix,
			fallbackPath: rc.FallbackPath,
			proxy:        rp,
			breaker:      resilience.NewCircuitBreaker("route-"+rc.ID, resilience.DefaultCircuitBreakerConfig(), log.Desugar()),
			trail:        trail,
			log:          log,
		}
		r.routes = append(r.routes, route)

		log.Infow("proxy route registered",
			"route", rc.ID,
			"prefix", rc.PathPrefix,
			"backend", rc.Backend,
			"fallback", rc.FallbackPath != "")
	}

	return r, nil
}

// Register mounts every route on the engine. Routes claim whole path
// prefixes, so they are registered as catch-alls below their prefix.
func (r *Router) Register(engine *gin.Engine) {
	for _, route := range r.routes {
		route := route
		prefix := strings.TrimSuffix(route.prefix, "/")
		engine.Any(prefix, route.handle)
		engine.Any(prefix+"/*path", route.handle)
	}
}

// Routes exposes the configured routes, mainly for health reporting.
func (r *Router) Routes() []*Route {
	return r.routes
}

// ID returns the route identifier.
func (rt *Route) ID() string { return rt.id }

// Healthy reports whether the route's breaker admits traffic.
func (rt *Route) Healthy() bool { return rt.breaker.IsHealthy() }

// handle proxies one request through the route's breaker.
func (rt *Route) handle(c *gin.Context) {
	// Backends receive the authenticated identity, never the session cookie.
	c.Request.Header.Del("X-Forwarded-User")
	if principal, ok := auth.CurrentPrincipal(c); ok {
		c.Request.Header.Set("X-Forwarded-User", principal.Username)
	}

	var proxyErr error
	ctx := context.WithValue(c.Request.Context(), proxyErrKey{}, &proxyErr)

	err := rt.breaker.Execute(ctx, func(ctx context.Context) error {
		rt.proxy.ServeHTTP(c.Writer, c.Request.WithContext(ctx))
		return proxyErr
	})
	if err != nil {
		metrics.ProxyRequests.WithLabelValues(rt.id, "error").Inc()
		rt.serveFallback(c, err)
		return
	}

	metrics.ProxyRequests.WithLabelValues(rt.id, "ok").Inc()
}

// serveFallback answers a failed or short-circuited request with the
// route's degraded response: empty success for reads, service-unavailable
// for writes. Routes without a fallback surface a bad gateway.
func (rt *Route) serveFallback(c *gin.Context, cause error) {
	if rt.fallbackPath == "" {
		c.AbortWithStatus(http.StatusBadGateway)
		return
	}

	metrics.ProxyFallbacks.WithLabelValues(rt.id).Inc()
	if rt.trail != nil {
		rt.trail.ProxyFallback(c, rt.id)
	}

	ServeDegraded(c)
	c.Abort()

	// Breaker-open rejections are expected while the backend recovers;
	// only real transport failures are worth a log line.
	if cause != nil && cause != resilience.ErrCircuitOpen {
		system.GetReqLogger(c, rt.log).Warnw("backend unreachable, served fallback",
			"route", rt.id,
			"path", c.Request.URL.Path,
			"error", cause)
	}
}

// ServeDegraded writes the degraded response contract: safe reads get an
// empty 200 so clients render an empty collection, writes get a 503 so
// clients know the mutation did not happen.
func ServeDegraded(c *gin.Context) {
	switch c.Request.Method {
	case http.MethodGet, http.MethodHead:
		c.Status(http.StatusOK)
	default:
		apiresponses.RespondServiceUnavailable(c, "catalog")
	}
}
