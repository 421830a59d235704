package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Login flow metrics
	LoginStarted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "edge_login_started_total",
		Help: "Total number of OIDC authorization-code flows initiated",
	})
	LoginCompleted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "edge_login_completed_total",
		Help: "Total number of successful logins (token exchange and ID token verification succeeded)",
	})
	LoginFailed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "edge_login_failed_total",
		Help: "Total number of failed logins grouped by failure stage",
	}, []string{"stage"})
	Logouts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "edge_logout_total",
		Help: "Total number of completed logouts",
	})

	// Request classification and enforcement metrics
	RequestsUnauthorized = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "edge_requests_unauthorized_total",
		Help: "Total number of protected requests rejected with 401",
	})
	CSRFRejected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "edge_csrf_rejected_total",
		Help: "Total number of state-changing requests rejected by the CSRF guard",
	})
	CSRFIssued = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "edge_csrf_issued_total",
		Help: "Total number of CSRF tokens issued to sessions",
	})
	RateLimited = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "edge_ratelimit_rejected_total",
		Help: "Total number of requests rejected by the rate limiter",
	}, []string{"authenticated"})

	// Session metrics
	SessionsCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "edge_sessions_created_total",
		Help: "Total number of sessions created",
	})
	SessionsInvalidated = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "edge_sessions_invalidated_total",
		Help: "Total number of sessions destroyed grouped by reason (logout, expired)",
	}, []string{"reason"})
	SessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "edge_sessions_active",
		Help: "Number of sessions currently held in the store",
	})

	// Proxy metrics
	ProxyRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "edge_proxy_requests_total",
		Help: "Total number of proxied backend requests grouped by route and outcome",
	}, []string{"route", "outcome"})
	ProxyFallbacks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "edge_proxy_fallback_total",
		Help: "Total number of requests answered by a degraded fallback response",
	}, []string{"route"})
	CircuitBreakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "edge_circuit_breaker_state",
		Help: "Circuit breaker state per name (0=closed, 1=open, 2=half-open)",
	}, []string{"name"})
	CircuitBreakerRejections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "edge_circuit_breaker_rejections_total",
		Help: "Total number of calls rejected while a circuit was open",
	}, []string{"name"})

	// Audit pipeline metrics
	AuditEventsEmitted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "edge_audit_events_emitted_total",
		Help: "Total number of audit events written grouped by sink",
	}, []string{"sink"})
	AuditEventsDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "edge_audit_events_dropped_total",
		Help: "Total number of audit events dropped grouped by sink and reason",
	}, []string{"sink", "reason"})
	AuditQueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "edge_audit_queue_depth",
		Help: "Number of audit events waiting in the async queue",
	}, []string{"sink"})
	AuditSinkErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "edge_audit_sink_errors_total",
		Help: "Total number of audit sink write failures grouped by sink and error type",
	}, []string{"sink", "type"})
	AuditSinkConnected = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "edge_audit_sink_connected",
		Help: "Whether the audit sink believes its backend is reachable (1) or not (0)",
	}, []string{"sink"})
	AuditSinkLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "edge_audit_sink_write_duration_seconds",
		Help:    "Latency of audit sink writes",
		Buckets: prometheus.DefBuckets,
	}, []string{"sink"})
)

func init() {
	prometheus.MustRegister(LoginStarted)
	prometheus.MustRegister(LoginCompleted)
	prometheus.MustRegister(LoginFailed)
	prometheus.MustRegister(Logouts)
	prometheus.MustRegister(RequestsUnauthorized)
	prometheus.MustRegister(CSRFRejected)
	prometheus.MustRegister(CSRFIssued)
	prometheus.MustRegister(RateLimited)
	prometheus.MustRegister(SessionsCreated)
	prometheus.MustRegister(SessionsInvalidated)
	prometheus.MustRegister(SessionsActive)
	prometheus.MustRegister(ProxyRequests)
	prometheus.MustRegister(ProxyFallbacks)
	prometheus.MustRegister(CircuitBreakerState)
	prometheus.MustRegister(CircuitBreakerRejections)
	prometheus.MustRegister(AuditEventsEmitted)
	prometheus.MustRegister(AuditEventsDropped)
	prometheus.MustRegister(AuditQueueDepth)
	prometheus.MustRegister(AuditSinkErrors)
	prometheus.MustRegister(AuditSinkConnected)
	prometheus.MustRegister(AuditSinkLatency)
}

// MetricsHandler returns an http.Handler exposing Prometheus metrics.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
