// Package version carries build metadata for all tvfleet binaries.
package version

// Set at build time via ldflags, e.g.
// go build -ldflags "-X github.com/markus-barta/tvfleet/internal/version.Version=$(cat VERSION)"
var (
	// Version is the semantic version. "dev" for local builds.
	Version = "dev"

	// GitCommit is the git commit hash.
	GitCommit = "unknown"

	// BuildTime is the build timestamp.
	BuildTime = "unknown"
)

// Info returns a formatted version string for display.
func Info() string {
	if GitCommit != "unknown" && len(GitCommit) > 7 {
		return Version + " (" + GitCommit[:7] + ")"
	}
	return Version
}
