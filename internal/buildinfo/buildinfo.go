// Package buildinfo holds version metadata stamped in at link time, served
// by the Control API's "version" query.
package buildinfo

import "fmt"

// Version, Commit and BuildDate are overridden via -ldflags at build time
// (e.g. -X github.com/vulcanrelay/relay/internal/buildinfo.Version=1.2.3).
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

// String formats the build metadata the way an operator would paste it into
// a bug report.
func String() string {
	return fmt.Sprintf("vulcan-relay %s (commit %s, built %s)", Version, Commit, BuildDate)
}
