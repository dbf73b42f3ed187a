// Package buildinfo carries the link-time identity of a loom binary.
package buildinfo

import "github.com/loomworks/loom/core/infra/logging"

// Overridden at link time, e.g.
// -ldflags "-X github.com/loomworks/loom/core/infra/buildinfo.Version=v0.3.0".
var (
	Version = "dev"
	Commit  = "unknown"
	BuiltAt = "unknown"
)

// Info returns the build identity as one line.
func Info() string {
	return "version=" + Version + " commit=" + Commit + " built_at=" + BuiltAt
}

// Log emits the build identity through the structured logger at startup.
func Log(component string) {
	logging.Info(component, "build", "version", Version, "commit", Commit, "built_at", BuiltAt)
}
