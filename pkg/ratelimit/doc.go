// Package ratelimit provides per-identity token-bucket rate limiting
// middleware for the gateway. Authenticated requests are keyed by the
// principal's subject; anonymous requests share one bucket.
package ratelimit
