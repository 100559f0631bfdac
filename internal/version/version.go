// Package version carries build metadata set with -ldflags -X.
package version

import "fmt"

var (
	Version   = "dev"
	GitSHA    = "unknown"
	BuildTime = "unknown"
)

// String formats the build metadata for -version and the admin page.
func String() string {
	return fmt.Sprintf("spotspray %s (%s, built %s)", Version, GitSHA, BuildTime)
}
