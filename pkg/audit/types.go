// Package audit records security-relevant gateway events and ships them to
// one or more sinks. Writes never block request handling: each sink sits
// behind its own bounded queue and events are dropped, not buffered without
// limit, when a sink cannot keep up.
package audit

import (
	"time"
)

// EventType names a security-relevant gateway event.
type EventType string

const (
	// Login flow events
	EventLoginStarted   EventType = "login.started"
	EventLoginSucceeded EventType = "login.succeeded"
	EventLoginFailed    EventType = "login.failed"
	EventLogoutComplete EventType = "logout.completed"

	// Session lifecycle events
	EventSessionCreated     EventType = "session.created"
	EventSessionInvalidated EventType = "session.invalidated"

	// Enforcement events
	EventCSRFRejected      EventType = "csrf.rejected"
	EventAccessDenied      EventType = "access.denied"
	EventRateLimitExceeded EventType = "ratelimit.exceeded"

	// Proxy events
	EventProxyFallback    EventType = "proxy.fallback"
	EventBackendUnhealthy EventType = "backend.unhealthy"

	// System events
	EventSystemStartup  EventType = "system.startup"
	EventSystemShutdown EventType = "system.shutdown"

	// Audit meta events
	EventAuditDropped EventType = "audit.dropped"
)

// Severity grades how urgently an event should be reviewed.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Event is a single audit record.
type Event struct {
	// ID uniquely identifies the event.
	ID string `json:"id"`

	// Type is the kind of event.
	Type EventType `json:"type"`

	// Severity grades the event.
	Severity Severity `json:"severity"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Actor is the principal (or anonymous client) that triggered the event.
	Actor Actor `json:"actor"`

	// Request describes the HTTP request the event belongs to, if any.
	Request *RequestInfo `json:"request,omitempty"`

	// Details carries event-specific fields.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Actor identifies who triggered an event.
type Actor struct {
	// Subject is the stable identity claim, empty for anonymous clients.
	Subject string `json:"subject,omitempty"`

	// Username is the human-readable name, if known.
	Username string `json:"username,omitempty"`

	// Roles the principal holds.
	Roles []string `json:"roles,omitempty"`

	// SourceIP of the request origin.
	SourceIP string `json:"sourceIP,omitempty"`

	// UserAgent from the request.
	UserAgent string `json:"userAgent,omitempty"`
}

// RequestInfo carries the HTTP context of an event.
type RequestInfo struct {
	Method string `json:"method,omitempty"`
	Path   string `json:"path,omitempty"`

	// Route is the matched proxy route id, if the request reached routing.
	Route string `json:"route,omitempty"`

	// SessionID correlates events belonging to one browser context.
	SessionID string `json:"sessionId,omitempty"`
}

// SeverityForEventType returns the default severity for an event type.
func SeverityForEventType(eventType EventType) Severity {
	switch eventType {
	case EventAuditDropped, EventBackendUnhealthy:
		return SeverityCritical
	case EventLoginFailed, EventCSRFRejected, EventAccessDenied,
		EventRateLimitExceeded, EventProxyFallback:
		return SeverityWarning
	default:
		return SeverityInfo
	}
}

// IsHighVolumeEvent reports whether the type is emitted per request and may
// be sampled under load.
func IsHighVolumeEvent(eventType EventType) bool {
	switch eventType {
	case EventAccessDenied, EventRateLimitExceeded:
		return true
	default:
		return false
	}
}

// IsSensitiveEvent reports whether the type must always be captured.
func IsSensitiveEvent(eventType EventType) bool {
	switch eventType {
	case EventLoginFailed, EventCSRFRejected, EventLogoutComplete,
		EventSessionInvalidated:
		return true
	default:
		return false
	}
}
