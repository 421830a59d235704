// Package apiresponses provides standardized JSON response helpers so all
// gateway endpoints return consistent error envelopes without leaking
// internal error detail to clients.
package apiresponses
