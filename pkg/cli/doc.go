// Package cli defines the edge gateway command tree: serve (the default)
// and version.
package cli
