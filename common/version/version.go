// Package version provides build-time version information for chatdigest.
package version

var (
	// Version is the semantic version (set via ldflags)
	Version = "v0.0.0-dev"

	// GitCommit is the git commit hash (set via ldflags)
	GitCommit = "unknown"

	// BuildTime is the build timestamp (set via ldflags)
	BuildTime = "unknown"
)

// Info returns a formatted version string, e.g. "v1.2.0 (abc123) built at 2026-10-01".
func Info() string {
	return Version + " (" + GitCommit + ") built at " + BuildTime
}

// UserAgent is sent on outbound HTTP requests (LLM API, health probes).
func UserAgent() string {
	return "chatdigest/" + Version
}
