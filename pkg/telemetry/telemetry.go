// Package telemetry initializes OpenTelemetry tracing for the edge gateway.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/polarbookshop/edge-gateway/pkg/config"
	"github.com/polarbookshop/edge-gateway/pkg/version"
)

const serviceName = "edge-gateway"

// ShutdownFunc flushes pending spans and tears down the provider.
type ShutdownFunc func(ctx context.Context) error

// Init installs the global TracerProvider and propagators from the gateway
// configuration. Disabled tracing installs a no-op provider; the returned
// shutdown function is always safe to call.
func Init(ctx context.Context, cfg config.Telemetry, log *zap.SugaredLogger) (trace.TracerProvider, ShutdownFunc, error) {
	if !cfg.Enabled {
		tp := noop.NewTracerProvider()
		otel.SetTracerProvider(tp)
		return tp, func(context.Context) error { return nil }, nil
	}

	if log == nil {
		log = zap.NewNop().Sugar()
	}

	sampling := cfg.SamplingRate
	if sampling <= 0 || sampling > 1.0 {
		log.Warnw("sampling rate out of range, sampling everything", "provided", cfg.SamplingRate)
		sampling = 1.0
	}

	// NewSchemaless avoids schema URL conflicts with resource.Default().
	res, err := resource.Merge(
		resource.Default(),
		resource.NewSchemaless(
			attribute.String("service.name", serviceName),
			attribute.String("service.version", version.Version),
		),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("building trace resource: %w", err)
	}

	exporter, err := newExporter(ctx, cfg, log)
	if err != nil {
		return nil, nil, err
	}

	tpOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(
			sdktrace.TraceIDRatioBased(sampling),
		)),
	}
	if exporter != nil {
		tpOpts = append(tpOpts, sdktrace.WithBatcher(exporter))
	}
	tp := sdktrace.NewTracerProvider(tpOpts...)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	otel.SetErrorHandler(otel.ErrorHandlerFunc(func(err error) {
		log.Warnw("opentelemetry internal error", "error", err)
	}))

	log.Infow("tracing initialized",
		"exporter", cfg.Exporter,
		"samplingRate", sampling)

	shutdown := func(ctx context.Context) error {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return tp.Shutdown(shutdownCtx)
	}
	return tp, shutdown, nil
}

// newExporter builds the configured span exporter. Exporter "none" creates
// spans without exporting them, which is handy for local smoke testing.
func newExporter(ctx context.Context, cfg config.Telemetry, log *zap.SugaredLogger) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "otlp", "":
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exporter, err := otlptracegrpc.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("creating OTLP exporter: %w", err)
		}
		log.Infow("OTLP trace exporter initialized", "endpoint", cfg.Endpoint, "insecure", cfg.Insecure)
		return exporter, nil
	case "stdout":
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	case "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown trace exporter %q: supported values are otlp, stdout, none", cfg.Exporter)
	}
}
