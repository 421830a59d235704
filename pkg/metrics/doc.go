// Package metrics defines Prometheus metrics for the edge gateway, covering
// authentication outcomes, CSRF enforcement, rate limiting, proxied backend
// calls and the audit pipeline.
package metrics
