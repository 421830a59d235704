// Package version exposes build metadata injected at link time.
package version

import (
	"fmt"
	"runtime"
	"time"
)

var (
	// Version is the semantic version, set via -ldflags.
	Version = "dev"
	// GitCommit is the git commit hash, set via -ldflags.
	GitCommit = "unknown"
	// BuildDate is the RFC3339 build timestamp, set via -ldflags.
	BuildDate = "unknown"
)

// BuildInfo is the full build fingerprint reported by the version command.
type BuildInfo struct {
	Version   string    `json:"version"`
	GitCommit string    `json:"gitCommit"`
	BuildDate string    `json:"buildDate"`
	GoVersion string    `json:"goVersion"`
	Platform  string    `json:"platform"`
	BuildTime time.Time `json:"buildTime,omitempty"`
}

// Get returns the current build metadata. BuildTime stays zero when the
// injected BuildDate is not a valid RFC3339 timestamp.
func Get() BuildInfo {
	info := BuildInfo{
		Version:   Version,
		GitCommit: GitCommit,
		BuildDate: BuildDate,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
	if t, err := time.Parse(time.RFC3339, BuildDate); err == nil {
		info.BuildTime = t
	}
	return info
}

// String renders a single-line version summary.
func (b BuildInfo) String() string {
	return fmt.Sprintf("edge-gateway %s (commit %s, built %s, %s, %s)",
		b.Version, b.GitCommit, b.BuildDate, b.GoVersion, b.Platform)
}
