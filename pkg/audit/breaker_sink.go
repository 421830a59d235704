package audit

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/polarbookshop/edge-gateway/pkg/metrics"
	"github.com/polarbookshop/edge-gateway/pkg/resilience"
)

// BreakerSink guards a sink with a circuit breaker. While the circuit is
// open, events are dropped instead of piling up against a dead backend.
type BreakerSink struct {
	sink    Sink
	breaker *resilience.CircuitBreaker
	logger  *zap.Logger
}

// NewBreakerSink wraps sink with a circuit breaker using the given config.
func NewBreakerSink(sink Sink, cfg resilience.CircuitBreakerConfig, logger *zap.Logger) *BreakerSink {
	return &BreakerSink{
		sink:    sink,
		breaker: resilience.NewCircuitBreaker("audit-"+sink.Name(), cfg, logger),
		logger:  logger.Named("breaker-sink").With(zap.String("sink", sink.Name())),
	}
}

// Write forwards the event through the breaker. An open circuit counts the
// event as dropped and reports success to the caller; audit delivery is
// best-effort by contract.
func (s *BreakerSink) Write(ctx context.Context, event *Event) error {
	err := s.breaker.Execute(ctx, func(ctx context.Context) error {
		return s.sink.Write(ctx, event)
	})
	if errors.Is(err, resilience.ErrCircuitOpen) {
		metrics.AuditEventsDropped.WithLabelValues(s.sink.Name(), "circuit_open").Inc()
		return nil
	}
	return err
}

// Close closes the underlying sink.
func (s *BreakerSink) Close() error {
	return s.sink.Close()
}

// Name returns the underlying sink's name.
func (s *BreakerSink) Name() string {
	return s.sink.Name()
}

// Healthy reports whether the breaker currently admits writes.
func (s *BreakerSink) Healthy() bool {
	return s.breaker.IsHealthy()
}
