package version

import "fmt"

// Version information (set via ldflags during build)
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// GetFullVersion returns the full version string
func GetFullVersion() string {
	return fmt.Sprintf("Burrow %s (commit: %s, built: %s)", Version, GitCommit, BuildDate)
}

// GetShortVersion returns just the version number
func GetShortVersion() string {
	return Version
}
