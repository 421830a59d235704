package audit

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"
)

// Sink is a destination for audit events.
type Sink interface {
	// Write sends an audit event to the sink.
	Write(ctx context.Context, event *Event) error

	// Close releases any resources held by the sink.
	Close() error

	// Name returns the sink's identifier.
	Name() string
}

// LogSink writes audit events to the structured logger. It is always
// configured so the audit trail survives even when Kafka is down.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates a new LogSink.
func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger.Named("audit")}
}

// Write logs the audit event.
func (s *LogSink) Write(_ context.Context, event *Event) error {
	fields := []zap.Field{
		zap.String("event_id", event.ID),
		zap.String("event_type", string(event.Type)),
		zap.String("severity", string(event.Severity)),
		zap.Time("timestamp", event.Timestamp),
	}

	if event.Actor.Subject != "" {
		fields = append(fields, zap.String("actor_subject", event.Actor.Subject))
	}
	if event.Actor.Username != "" {
		fields = append(fields, zap.String("actor_username", event.Actor.Username))
	}
	if len(event.Actor.Roles) > 0 {
		fields = append(fields, zap.Strings("actor_roles", event.Actor.Roles))
	}
	if event.Actor.SourceIP != "" {
		fields = append(fields, zap.String("actor_ip", event.Actor.SourceIP))
	}
	if event.Request != nil {
		if event.Request.Method != "" {
			fields = append(fields, zap.String("method", event.Request.Method))
		}
		if event.Request.Path != "" {
			fields = append(fields, zap.String("path", event.Request.Path))
		}
		if event.Request.Route != "" {
			fields = append(fields, zap.String("route", event.Request.Route))
		}
		if event.Request.SessionID != "" {
			fields = append(fields, zap.String("session_id", event.Request.SessionID))
		}
	}
	if len(event.Details) > 0 {
		if detailsJSON, err := json.Marshal(event.Details); err == nil {
			fields = append(fields, zap.String("details", string(detailsJSON)))
		}
	}

	s.logger.Info("audit_event", fields...)
	return nil
}

// Close is a no-op for LogSink.
func (s *LogSink) Close() error {
	return nil
}

// Name returns the sink identifier.
func (s *LogSink) Name() string {
	return "log"
}

// MultiSink writes to multiple sinks sequentially, returning the last error.
type MultiSink struct {
	sinks  []Sink
	logger *zap.Logger
}

// NewMultiSink creates a sink that writes to multiple destinations.
func NewMultiSink(sinks []Sink, logger *zap.Logger) *MultiSink {
	return &MultiSink{sinks: sinks, logger: logger}
}

// Write sends the event to all sinks.
func (s *MultiSink) Write(ctx context.Context, event *Event) error {
	var lastErr error
	for _, sink := range s.sinks {
		if err := sink.Write(ctx, event); err != nil {
			// String form keeps transient failures out of stacktrace noise.
			s.logger.Warn("audit sink write failed",
				zap.String("sink", sink.Name()),
				zap.String("error", err.Error()))
			lastErr = err
		}
	}
	return lastErr
}

// Close closes all sinks.
func (s *MultiSink) Close() error {
	var lastErr error
	for _, sink := range s.sinks {
		if err := sink.Close(); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// Name returns the sink identifier.
func (s *MultiSink) Name() string {
	return "multi"
}
