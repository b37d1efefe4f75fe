package version

import "fmt"

// Set through -ldflags "-X funding-grid-alerts/internal/version.Version=...".
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

// String renders the build information on one line per field.
func String() string {
	return fmt.Sprintf("fundingwatcher %s\ncommit: %s\nbuilt: %s", Version, Commit, BuildDate)
}
