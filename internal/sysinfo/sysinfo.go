// Package sysinfo reports build and host information for the version command
// and the health endpoint.
package sysinfo

import (
	"os"
	"runtime"
	"runtime/debug"
	"sync"
	"time"
)

var (
	// Version is the build version, set at build time via ldflags.
	// Example: go build -ldflags="-X github.com/postalsys/pwnat/internal/sysinfo.Version=v1.0.0"
	Version = "dev"

	// startTime is when the process started.
	startTime     time.Time
	startTimeOnce sync.Once
)

func init() {
	startTimeOnce.Do(func() {
		startTime = time.Now()
	})
	if Version == "dev" {
		Version = enhanceDevVersion()
	}
}

// Info describes the running binary and host.
type Info struct {
	Version   string `json:"version"`
	GoVersion string `json:"go_version"`
	OS        string `json:"os"`
	Arch      string `json:"arch"`
	Hostname  string `json:"hostname"`
	StartTime int64  `json:"start_time"`
}

// Collect gathers the local build and host information.
func Collect() Info {
	hostname, _ := os.Hostname()

	return Info{
		Version:   Version,
		GoVersion: runtime.Version(),
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
		Hostname:  hostname,
		StartTime: startTime.Unix(),
	}
}

// enhanceDevVersion turns a plain "dev" into dev-<commit>[-dirty] from the
// embedded VCS stamp, or dev-<timestamp> when there is none.
func enhanceDevVersion() string {
	if bi, ok := debug.ReadBuildInfo(); ok {
		var revision string
		var dirty bool
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				revision = s.Value
			case "vcs.modified":
				dirty = s.Value == "true"
			}
		}
		if revision != "" {
			if len(revision) > 7 {
				revision = revision[:7]
			}
			if dirty {
				return "dev-" + revision + "-dirty"
			}
			return "dev-" + revision
		}
	}
	return "dev-" + startTime.UTC().Format("20060102-150405")
}

// StartTime returns the process start time.
func StartTime() time.Time {
	return startTime
}

// Uptime returns the process uptime.
func Uptime() time.Duration {
	return time.Since(startTime)
}

// UptimeSeconds returns the process uptime in seconds.
func UptimeSeconds() int64 {
	return int64(Uptime().Seconds())
}
