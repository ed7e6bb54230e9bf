// Package buildinfo holds version and build metadata stamped at compile time via ldflags.
package buildinfo

import (
	"fmt"
	"runtime"
)

// These variables are set at build time via -ldflags, e.g.
//
//	-X thum/internal/buildinfo.DeviceUUID=6f1c2a8e-...
var (
	Version    = "dev"
	GitCommit  = "unknown"
	BuildTime  = "unknown"
	DeviceUUID = ""
)

// Info returns all build and runtime info as a map.
func Info() map[string]string {
	return map[string]string{
		"version":     Version,
		"git_commit":  GitCommit,
		"build_time":  BuildTime,
		"device_uuid": DeviceUUID,
		"go_version":  runtime.Version(),
		"arch":        runtime.GOARCH,
	}
}

// String returns a one-line summary for logging.
func String() string {
	return fmt.Sprintf("thum %s (%s) built %s", Version, GitCommit, BuildTime)
}
