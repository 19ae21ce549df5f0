// Package version holds the repelgo build version, set at build time
// via -ldflags "-X github.com/kvx-labs/repelgo/internal/version.Version=...".
package version

// Version is the repelgo release version. "dev" for unreleased builds.
var Version = "dev"
