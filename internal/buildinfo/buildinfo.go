// Package buildinfo holds version and build metadata stamped at compile
// time via ldflags:
//
//	go build -ldflags "-X github.com/nugget/deskpilot/internal/buildinfo.Version=1.0.0"
package buildinfo

import (
	"fmt"
	"runtime"
	"time"
)

// Stamped at build time.
var (
	Version   = "dev"
	GitCommit = "unknown"
	GitBranch = "unknown"
	BuildTime = "unknown"
)

var started = time.Now()

// Build describes the running binary.
type Build struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit"`
	GitBranch string `json:"git_branch"`
	BuildTime string `json:"build_time"`
	GoVersion string `json:"go_version"`
	OS        string `json:"os"`
	Arch      string `json:"arch"`
	Uptime    string `json:"uptime"`
}

// Info returns the build metadata and current uptime.
func Info() Build {
	return Build{
		Version:   Version,
		GitCommit: GitCommit,
		GitBranch: GitBranch,
		BuildTime: BuildTime,
		GoVersion: runtime.Version(),
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
		Uptime:    Uptime().String(),
	}
}

// Uptime is the time since process start, truncated to seconds.
func Uptime() time.Duration {
	return time.Since(started).Truncate(time.Second)
}

// UserAgent is sent on outbound HTTP requests, e.g.
// "Deskpilot/1.2.0 (+linux/amd64)".
func UserAgent() string {
	return fmt.Sprintf("Deskpilot/%s (+%s/%s)", Version, runtime.GOOS, runtime.GOARCH)
}

// String returns a one-line summary for logs and `deskpilot version`.
func String() string {
	return fmt.Sprintf("Deskpilot %s (%s@%s) built %s", Version, GitCommit, GitBranch, BuildTime)
}
