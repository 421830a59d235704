package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/polarbookshop/edge-gateway/pkg/auth"
	"github.com/polarbookshop/edge-gateway/pkg/config"
	"github.com/polarbookshop/edge-gateway/pkg/csrf"
	"github.com/polarbookshop/edge-gateway/pkg/metrics"
	"github.com/polarbookshop/edge-gateway/pkg/proxy"
	"github.com/polarbookshop/edge-gateway/pkg/ratelimit"
	"github.com/polarbookshop/edge-gateway/pkg/session"
	"github.com/polarbookshop/edge-gateway/pkg/system"
)

type APIController interface {
	BasePath() string
	Register(rg *gin.RouterGroup) error
	Handlers() []gin.HandlerFunc
}

// Security bundles the middleware pipeline. Every element is optional so
// tests can assemble a partial pipeline; the serve command wires all of it.
type Security struct {
	Sessions *session.Store
	Limiter  *ratelimit.Limiter
	Policy   *auth.Policy
	Guard    *csrf.Guard
}

type Server struct {
	engine *gin.Engine
	config config.Config
	log    *zap.Logger
	srv    *http.Server
}

// NewServer builds the gin engine with request logging, the metrics
// endpoint and the security pipeline. The metrics endpoint is registered
// before the pipeline so scrapes need neither session nor principal.
func NewServer(log *zap.Logger, cfg config.Config, debug bool, sec Security) *Server {
	if !debug {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(
		ginzap.Ginzap(log, time.RFC3339, true),
		ginzap.RecoveryWithZap(log, true),
		system.RequestLogger(log.Sugar()),
	)

	if debug {
		engine.Use(
			cors.New(cors.Config{
				AllowOrigins:     []string{"http://localhost:5173", "http://127.0.0.1:9000"},
				AllowMethods:     []string{"GET", "PUT", "PATCH", "POST", "DELETE", "OPTIONS"},
				AllowHeaders:     []string{"Origin", "Authorization", "Content-Type", "X-XSRF-TOKEN"},
				AllowCredentials: true,
				MaxAge:           12 * time.Hour,
			}),
		)
	}

	if len(cfg.Server.TrustedProxies) > 0 {
		if err := engine.SetTrustedProxies(cfg.Server.TrustedProxies); err != nil {
			log.Sugar().Warnw("invalid trusted proxies, client IPs may be wrong", "error", err)
		}
	}

	engine.GET("metrics", gin.WrapH(metrics.MetricsHandler()))

	// Order matters: the session must exist first, the policy classifies
	// the request before the CSRF guard checks unsafe methods, and the
	// limiter resolves its key last so it sees the settled identity.
	if sec.Sessions != nil {
		engine.Use(sec.Sessions.Middleware())
	}
	if sec.Policy != nil {
		engine.Use(sec.Policy.Middleware())
	}
	if sec.Guard != nil {
		engine.Use(sec.Guard.Middleware())
	}
	if sec.Limiter != nil {
		engine.Use(sec.Limiter.Middleware())
	}

	engine.NoRoute(ServeStatic("/", cfg.Gateway.StaticDir))

	return &Server{
		engine: engine,
		config: cfg,
		log:    log,
	}
}

// RegisterAll mounts every controller below its base path.
func (s *Server) RegisterAll(controllers []APIController) error {
	root := s.engine.Group("/")
	for _, c := range controllers {
		if err := c.Register(root.Group(c.BasePath(), c.Handlers()...)); err != nil {
			return err
		}
	}
	return nil
}

// RegisterProxy mounts the backend routes on the engine. The routes pass
// through the same security pipeline as the controllers.
func (s *Server) RegisterProxy(router *proxy.Router) {
	router.Register(s.engine)
}

// Engine exposes the underlying engine for tests.
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// Listen serves until the listener fails or Shutdown is called.
func (s *Server) Listen() error {
	timeouts := s.config.Server.Timeouts
	s.srv = &http.Server{
		Addr:              s.config.Server.ListenAddress,
		Handler:           s.engine,
		ReadTimeout:       timeouts.GetReadTimeout(),
		ReadHeaderTimeout: timeouts.GetReadHeaderTimeout(),
		WriteTimeout:      timeouts.GetWriteTimeout(),
		IdleTimeout:       timeouts.GetIdleTimeout(),
		MaxHeaderBytes:    timeouts.GetMaxHeaderBytes(),
	}

	var err error
	if s.config.Server.TLSCertFile != "" && s.config.Server.TLSKeyFile != "" {
		err = s.srv.ListenAndServeTLS(s.config.Server.TLSCertFile, s.config.Server.TLSKeyFile)
	} else {
		err = s.srv.ListenAndServe()
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}
