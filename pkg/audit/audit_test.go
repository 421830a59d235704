package audit

import (
	"context"
	"errors"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/polarbookshop/edge-gateway/pkg/config"
	"github.com/polarbookshop/edge-gateway/pkg/resilience"
	"github.com/polarbookshop/edge-gateway/pkg/session"
)

// recordingSink captures written events for assertions.
type recordingSink struct {
	mu     sync.Mutex
	events []*Event
	err    error
	closed atomic.Bool
}

func (s *recordingSink) Write(_ context.Context, event *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, event)
	return nil
}

func (s *recordingSink) Close() error {
	s.closed.Store(true)
	return nil
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func (s *recordingSink) last() *Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.events) == 0 {
		return nil
	}
	return s.events[len(s.events)-1]
}

func TestSeverityForEventType(t *testing.T) {
	assert.Equal(t, SeverityCritical, SeverityForEventType(EventAuditDropped))
	assert.Equal(t, SeverityWarning, SeverityForEventType(EventCSRFRejected))
	assert.Equal(t, SeverityWarning, SeverityForEventType(EventLoginFailed))
	assert.Equal(t, SeverityInfo, SeverityForEventType(EventLoginSucceeded))
	assert.Equal(t, SeverityInfo, SeverityForEventType(EventSystemStartup))
}

func TestLogSinkWrite(t *testing.T) {
	sink := NewLogSink(zaptest.NewLogger(t))
	defer func() { _ = sink.Close() }()

	err := sink.Write(context.Background(), &Event{
		ID:        "evt-1",
		Type:      EventLoginSucceeded,
		Severity:  SeverityInfo,
		Timestamp: time.Now(),
		Actor:     Actor{Subject: "user-1", Username: "isabelle", Roles: []string{"customer"}},
		Request:   &RequestInfo{Method: "GET", Path: "/user", SessionID: "sess-1"},
		Details:   map[string]interface{}{"username": "isabelle"},
	})
	assert.NoError(t, err)
	assert.Equal(t, "log", sink.Name())
}

func TestMultiSinkWritesToAll(t *testing.T) {
	a, b := &recordingSink{}, &recordingSink{}
	multi := NewMultiSink([]Sink{a, b}, zaptest.NewLogger(t))

	err := multi.Write(context.Background(), &Event{ID: "evt-1", Type: EventLoginStarted})
	require.NoError(t, err)
	assert.Equal(t, 1, a.count())
	assert.Equal(t, 1, b.count())
}

func TestMultiSinkReturnsLastError(t *testing.T) {
	ok := &recordingSink{}
	broken := &recordingSink{err: errors.New("backend down")}
	multi := NewMultiSink([]Sink{broken, ok}, zaptest.NewLogger(t))

	err := multi.Write(context.Background(), &Event{ID: "evt-1", Type: EventLoginStarted})
	assert.Error(t, err)
	assert.Equal(t, 1, ok.count(), "healthy sink still receives the event")
}

func TestQueuedSinkDeliversAsync(t *testing.T) {
	target := &recordingSink{}
	qs := NewQueuedSink(target, QueuedSinkConfig{QueueSize: 16, WorkerCount: 1}, zaptest.NewLogger(t))

	for i := 0; i < 5; i++ {
		require.NoError(t, qs.Write(context.Background(), &Event{ID: "evt", Type: EventLoginStarted}))
	}
	require.NoError(t, qs.Close())

	assert.Equal(t, 5, target.count())
	assert.True(t, target.closed.Load(), "close propagates to the wrapped sink")

	processed, failed, dropped := qs.Stats()
	assert.Equal(t, int64(5), processed)
	assert.Equal(t, int64(0), failed)
	assert.Equal(t, int64(0), dropped)
}

func TestQueuedSinkDropsWhenFull(t *testing.T) {
	// A sink that blocks until released, to hold the queue full.
	release := make(chan struct{})
	blocking := sinkFunc(func(ctx context.Context) error {
		<-release
		return nil
	})

	qs := NewQueuedSink(blocking, QueuedSinkConfig{QueueSize: 1, WorkerCount: 1}, zaptest.NewLogger(t))

	// First event is picked up by the worker, second fills the queue,
	// later ones are dropped.
	for i := 0; i < 10; i++ {
		_ = qs.Write(context.Background(), &Event{ID: "evt", Type: EventLoginStarted})
	}

	_, _, dropped := qs.Stats()
	assert.Greater(t, dropped, int64(0))

	close(release)
	require.NoError(t, qs.Close())
}

func TestQueuedSinkWriteAfterClose(t *testing.T) {
	qs := NewQueuedSink(&recordingSink{}, QueuedSinkConfig{}, zaptest.NewLogger(t))
	require.NoError(t, qs.Close())

	err := qs.Write(context.Background(), &Event{ID: "evt"})
	assert.Error(t, err)
}

// sinkFunc adapts a function into a Sink for tests.
type sinkFunc func(ctx context.Context) error

func (f sinkFunc) Write(ctx context.Context, _ *Event) error { return f(ctx) }
func (f sinkFunc) Close() error                              { return nil }
func (f sinkFunc) Name() string                              { return "func" }

func TestBreakerSinkDropsWhileOpen(t *testing.T) {
	failing := sinkFunc(func(context.Context) error { return errors.New("kafka down") })

	cfg := resilience.DefaultCircuitBreakerConfig()
	cfg.FailureThreshold = 2
	bs := NewBreakerSink(failing, cfg, zaptest.NewLogger(t))

	evt := &Event{ID: "evt", Type: EventLoginStarted}
	assert.Error(t, bs.Write(context.Background(), evt))
	assert.Error(t, bs.Write(context.Background(), evt))
	assert.False(t, bs.Healthy())

	// Open circuit: the write is swallowed, not surfaced as an error.
	assert.NoError(t, bs.Write(context.Background(), evt))
}

func TestNewKafkaSinkValidation(t *testing.T) {
	log := zaptest.NewLogger(t)

	_, err := NewKafkaSink(KafkaSinkConfig{Topic: "audit"}, log)
	assert.Error(t, err)

	_, err = NewKafkaSink(KafkaSinkConfig{Brokers: []string{"localhost:9092"}}, log)
	assert.Error(t, err)

	_, err = NewKafkaSink(KafkaSinkConfig{
		Brokers: []string{"localhost:9092"},
		Topic:   "audit",
		SASL:    &config.KafkaSASL{Mechanism: "KERBEROS"},
	}, log)
	assert.Error(t, err, "unsupported SASL mechanism rejected")
}

func TestClassifyKafkaError(t *testing.T) {
	assert.Equal(t, "", classifyKafkaError(nil))
	assert.Equal(t, "timeout", classifyKafkaError(context.DeadlineExceeded))
	assert.Equal(t, "cancelled", classifyKafkaError(context.Canceled))
	assert.Equal(t, "auth", classifyKafkaError(errors.New("SASL handshake failed")))
	assert.Equal(t, "network", classifyKafkaError(errors.New("dial tcp: connection refused")))
	assert.Equal(t, "topic", classifyKafkaError(errors.New("unknown topic or partition")))
	assert.Equal(t, "other", classifyKafkaError(errors.New("weird failure")))
}

func TestTrailDisabledIsNoop(t *testing.T) {
	trail, err := NewTrail(config.Audit{Enabled: false}, zaptest.NewLogger(t))
	require.NoError(t, err)

	trail.RecordSystem(EventSystemStartup, nil)
	assert.NoError(t, trail.Close())
}

func TestTrailRecordBuildsEventFromRequest(t *testing.T) {
	gin.SetMode(gin.TestMode)

	trail, err := NewTrail(config.Audit{Enabled: true}, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer func() { _ = trail.Close() }()

	// Swap in a recording sink to observe the produced event.
	rec := &recordingSink{}
	trail.sink = rec

	log := zaptest.NewLogger(t).Sugar()
	store := session.NewStore(config.Session{CookieName: "SESSION", TTL: "12h"}, log)
	t.Cleanup(store.Stop)
	sess := store.Create()
	sess.Promote("user-7", "raw", nil)

	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest("POST", "/logout", nil)
	session.Attach(c, sess)

	trail.LogoutCompleted(c)

	require.Equal(t, 1, rec.count())
	evt := rec.last()
	assert.Equal(t, EventLogoutComplete, evt.Type)
	assert.NotEmpty(t, evt.ID)
	assert.Equal(t, "user-7", evt.Actor.Subject)
	assert.Equal(t, "POST", evt.Request.Method)
	assert.Equal(t, "/logout", evt.Request.Path)
	assert.Equal(t, sess.ID(), evt.Request.SessionID)
}

func TestTrailLoginFailedDetails(t *testing.T) {
	trail := &Trail{enabled: true, logger: zaptest.NewLogger(t)}
	rec := &recordingSink{}
	trail.sink = rec

	trail.LoginFailed(nil, "exchange", errors.New("invalid_grant"))

	require.Equal(t, 1, rec.count())
	evt := rec.last()
	assert.Equal(t, EventLoginFailed, evt.Type)
	assert.Equal(t, SeverityWarning, evt.Severity)
	assert.Equal(t, "exchange", evt.Details["stage"])
	assert.Equal(t, "invalid_grant", evt.Details["error"])
}
