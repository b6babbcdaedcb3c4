// Package version exposes build information, set by compiler flags at
// release build time. Ported from the teacher's pkg/version package.
package version

import (
	"fmt"
	"runtime"
)

var (
	// Version is the engine version.
	Version = "0.1.0"
	// GitCommit is the git commit hash this binary was built from.
	GitCommit = "unknown"
	// BuildTime is when the binary was built.
	BuildTime = "unknown"
	// GoVersion is the Go toolchain version used to build the binary.
	GoVersion = runtime.Version()
)

// FullVersion returns the full version string including commit and build
// time, printed by the CLI's version command (also -v and --version).
func FullVersion() string {
	return fmt.Sprintf("%s (commit: %s, built: %s, %s)", Version, GitCommit, BuildTime, GoVersion)
}

// UserAgent returns a string suitable for an HTTP User-Agent header on
// audited external calls.
func UserAgent() string {
	return fmt.Sprintf("Elspeth/%s", Version)
}
