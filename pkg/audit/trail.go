package audit

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/polarbookshop/edge-gateway/pkg/config"
	"github.com/polarbookshop/edge-gateway/pkg/resilience"
	"github.com/polarbookshop/edge-gateway/pkg/session"
)

// Trail is the gateway's audit event producer. A disabled trail accepts and
// discards events so callers never have to nil-check.
type Trail struct {
	sink    Sink
	logger  *zap.Logger
	enabled bool
}

// NewTrail assembles the audit pipeline from configuration. Events always go
// to the structured log; when Kafka is configured they additionally go to
// the topic through a bounded queue and a circuit breaker, so a broker
// outage costs events but never request latency.
func NewTrail(cfg config.Audit, logger *zap.Logger) (*Trail, error) {
	if !cfg.Enabled {
		return &Trail{logger: logger}, nil
	}

	sinks := []Sink{NewLogSink(logger)}

	if cfg.Kafka != nil {
		kafkaSink, err := NewKafkaSink(KafkaSinkConfig{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.Topic,
			TLS:     cfg.Kafka.TLS,
			SASL:    cfg.Kafka.SASL,
		}, logger)
		if err != nil {
			return nil, err
		}
		guarded := NewBreakerSink(kafkaSink, resilience.DefaultCircuitBreakerConfig(), logger)
		sinks = append(sinks, NewQueuedSink(guarded, DefaultQueuedSinkConfig(), logger))
	}

	return &Trail{
		sink:    NewMultiSink(sinks, logger),
		logger:  logger,
		enabled: true,
	}, nil
}

// Close flushes and closes all sinks.
func (t *Trail) Close() error {
	if !t.enabled {
		return nil
	}
	return t.sink.Close()
}

// Record emits an event for the given request. Never blocks on sink
// backpressure and never fails the request.
func (t *Trail) Record(c *gin.Context, eventType EventType, details map[string]interface{}) {
	if !t.enabled {
		return
	}

	event := &Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Severity:  SeverityForEventType(eventType),
		Timestamp: time.Now(),
		Details:   details,
	}

	if c != nil {
		event.Actor = Actor{
			SourceIP:  c.ClientIP(),
			UserAgent: c.Request.UserAgent(),
		}
		event.Request = &RequestInfo{
			Method: c.Request.Method,
			Path:   c.Request.URL.Path,
		}
		if sess, ok := session.FromContext(c); ok {
			event.Request.SessionID = sess.ID()
			if sess.Authenticated() {
				event.Actor.Subject = sess.Subject()
			}
		}
	}

	// The request context would tie sink writes to the client connection.
	// Audit delivery outlives the request on purpose.
	if err := t.sink.Write(context.Background(), event); err != nil {
		t.logger.Warn("audit event not delivered",
			zap.String("event_type", string(eventType)),
			zap.String("error", err.Error()))
	}
}

// RecordSystem emits an event without request context, e.g. at startup.
func (t *Trail) RecordSystem(eventType EventType, details map[string]interface{}) {
	t.Record(nil, eventType, details)
}

// LoginStarted records the start of an authorization-code flow.
func (t *Trail) LoginStarted(c *gin.Context) {
	t.Record(c, EventLoginStarted, nil)
}

// LoginSucceeded records a completed login.
func (t *Trail) LoginSucceeded(c *gin.Context, username string) {
	t.Record(c, EventLoginSucceeded, map[string]interface{}{"username": username})
}

// LoginFailed records a failed login with the stage it failed at.
func (t *Trail) LoginFailed(c *gin.Context, stage string, err error) {
	details := map[string]interface{}{"stage": stage}
	if err != nil {
		details["error"] = err.Error()
	}
	t.Record(c, EventLoginFailed, details)
}

// LogoutCompleted records a finished logout.
func (t *Trail) LogoutCompleted(c *gin.Context) {
	t.Record(c, EventLogoutComplete, nil)
}

// CSRFRejected records a request blocked by the CSRF guard.
func (t *Trail) CSRFRejected(c *gin.Context) {
	t.Record(c, EventCSRFRejected, nil)
}

// AccessDenied records an unauthenticated request to a protected path.
func (t *Trail) AccessDenied(c *gin.Context) {
	t.Record(c, EventAccessDenied, nil)
}

// RateLimitExceeded records a request rejected by the rate limiter.
func (t *Trail) RateLimitExceeded(c *gin.Context, key string) {
	t.Record(c, EventRateLimitExceeded, map[string]interface{}{"key": key})
}

// ProxyFallback records a request answered by a degraded fallback response.
func (t *Trail) ProxyFallback(c *gin.Context, route string) {
	t.Record(c, EventProxyFallback, map[string]interface{}{"route": route})
}
