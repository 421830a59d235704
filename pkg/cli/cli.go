package cli

import (
	"context"
	"encoding/json"
	"fmt"
	stdlog "log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/polarbookshop/edge-gateway/pkg/api"
	"github.com/polarbookshop/edge-gateway/pkg/audit"
	"github.com/polarbookshop/edge-gateway/pkg/auth"
	"github.com/polarbookshop/edge-gateway/pkg/config"
	"github.com/polarbookshop/edge-gateway/pkg/csrf"
	"github.com/polarbookshop/edge-gateway/pkg/proxy"
	"github.com/polarbookshop/edge-gateway/pkg/ratelimit"
	"github.com/polarbookshop/edge-gateway/pkg/session"
	"github.com/polarbookshop/edge-gateway/pkg/telemetry"
	"github.com/polarbookshop/edge-gateway/pkg/version"
)

type options struct {
	configPath string
	debug      bool
}

// NewRootCommand builds the edge command tree. Running the root starts the
// gateway, matching how the service runs in a container.
func NewRootCommand() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:           "edge",
		Short:         "Polar Bookshop edge gateway",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to the gateway configuration file")
	root.PersistentFlags().BoolVar(&opts.debug, "debug", false, "enable debug level logging and CORS for local frontends")

	root.AddCommand(newServeCommand(opts), newVersionCommand())
	return root
}

func newServeCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway (default command)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
}

func newVersionCommand() *cobra.Command {
	var outputJSON bool

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Show version and build information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			info := version.Get()
			if outputJSON {
				encoder := json.NewEncoder(cmd.OutOrStdout())
				encoder.SetIndent("", "  ")
				return encoder.Encode(info)
			}
			_, err := fmt.Fprintln(cmd.OutOrStdout(), info.String())
			return err
		},
	}
	cmd.Flags().BoolVar(&outputJSON, "json", false, "print as JSON")
	return cmd
}

func runServe(parent context.Context, opts *options) error {
	logger := setupLogger(opts.debug)
	defer func() { _ = logger.Sync() }()
	log := logger.Sugar()
	log.With("version", version.Version).Info("starting edge gateway")

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	cfg.Defaults()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	_, stopTracing, err := telemetry.Init(ctx, cfg.Telemetry, log)
	if err != nil {
		return fmt.Errorf("initializing tracing: %w", err)
	}

	trail, err := audit.NewTrail(cfg.Audit, logger)
	if err != nil {
		return fmt.Errorf("initializing audit trail: %w", err)
	}

	store := session.NewStore(cfg.Session, log)
	defer store.Stop()

	guard := csrf.NewGuard(cfg.CSRF, cfg.Session.CookieSecure, log)

	authenticator, err := auth.NewAuthenticator(ctx, auth.AuthenticatorConfig{
		OIDC:       cfg.OIDC,
		BaseURL:    cfg.Gateway.BaseURL,
		RotateCSRF: cfg.CSRF.RotateOnLogin,
		Store:      store,
		Guard:      guard,
		Trail:      trail,
		Log:        log,
	})
	if err != nil {
		return fmt.Errorf("initializing OIDC client: %w", err)
	}

	// Bearer verification is best effort at startup: a provider whose JWKS
	// endpoint is briefly unavailable must not keep the gateway down, the
	// session flow works without it.
	bearer, err := auth.NewBearerVerifier(cfg.OIDC, log)
	if err != nil {
		log.Warnw("bearer token verification disabled", "error", err)
		bearer = nil
	}

	policy := auth.NewPolicy(auth.NewClassifier(cfg.Access), authenticator, bearer, trail, log)
	limiter := ratelimit.New(cfg.RateLimit, ratelimit.SessionKeyResolver())
	defer limiter.Stop()

	router, err := proxy.NewRouter(cfg.Routes, trail, log)
	if err != nil {
		return fmt.Errorf("building proxy routes: %w", err)
	}

	server := api.NewServer(logger, cfg, opts.debug, api.Security{
		Sessions: store,
		Limiter:  limiter,
		Policy:   policy,
		Guard:    guard,
	})
	if err := server.RegisterAll([]api.APIController{
		auth.NewUserController(log),
		auth.NewFlowController(authenticator),
		proxy.NewFallbackController(),
	}); err != nil {
		return fmt.Errorf("registering controllers: %w", err)
	}
	server.RegisterProxy(router)

	trail.RecordSystem(audit.EventSystemStartup, map[string]interface{}{
		"version": version.Version,
		"address": cfg.Server.ListenAddress,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- server.Listen() }()
	log.Infow("gateway listening", "address", cfg.Server.ListenAddress)

	select {
	case err := <-errCh:
		return fmt.Errorf("listener failed: %w", err)
	case <-ctx.Done():
	}

	log.Info("shutting down")
	trail.RecordSystem(audit.EventSystemShutdown, nil)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GetShutdownTimeout())
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warnw("shutdown did not complete cleanly", "error", err)
	}
	if err := trail.Close(); err != nil {
		log.Warnw("audit trail close failed", "error", err)
	}
	if err := stopTracing(shutdownCtx); err != nil {
		log.Warnw("tracer shutdown failed", "error", err)
	}
	return nil
}

func setupLogger(debug bool) *zap.Logger {
	cfg := zap.NewProductionConfig()
	if debug {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.DisableStacktrace = true
	cfg.EncoderConfig.EncodeTime = func(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
		enc.AppendString(t.UTC().Format(time.RFC3339))
	}
	cfg.EncoderConfig.TimeKey = "ts"
	logger, err := cfg.Build()
	if err != nil {
		stdlog.Fatalf("failed to set up logger: %v", err)
	}
	return logger
}
