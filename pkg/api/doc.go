// Package api assembles the gin engine for the edge gateway: request
// logging, the security middleware pipeline, controller registration and
// the HTTP listener.
package api
