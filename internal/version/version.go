// Package version reports the egresspool build. The variables are set at
// link time, e.g. -ldflags "-X github.com/hazz-dev/egresspool/internal/version.Version=v1.2.0".
package version

import "fmt"

var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// String formats the build for the version command.
func String() string {
	return fmt.Sprintf("%s (commit %s, built %s)", Version, Commit, Date)
}
