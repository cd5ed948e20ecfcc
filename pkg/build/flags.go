// SPDX-License-Identifier: MIT
//
// Package build provides functionality to manage and retrieve build information
// for a Go application. It allows embedding metadata such as the application
// name, build timestamp, Git commit hash, and semantic version into the binary
// at compile time using linker flags. This information can be useful for debugging,
// logging, and displaying version information to users.
package build

type ldFlags struct {
	Name        string
	Description string
	Time        string
	Commit      string
	Version     string
}

// Package-level variables for build information. These are populated by -ldflags
// during compilation, for example:
//
//	go build -ldflags "-X pkg/build.buildName=intonation-core -X pkg/build.buildVersion=0.1.0"
//
// Development builds that skip the flags fall back to the defaults below.
var (
	buildName        string
	buildDescription string
	buildTime        string
	buildCommit      string
	buildVersion     string
	buildFlags       = &ldFlags{
		Name:        "intonation-core",
		Description: "real-time audio analysis core for intonation training",
		Time:        "unknown",
		Commit:      "unknown",
		Version:     "dev",
	}
)

// Initialize copies build information from ldflags variables into the
// buildFlags struct. Flags left empty by the build keep their development
// defaults, so a plain `go build` binary still starts and identifies
// itself as a dev build. Call once early in program startup.
func Initialize() {
	if buildName != "" {
		buildFlags.Name = buildName
	}
	if buildDescription != "" {
		buildFlags.Description = buildDescription
	}
	if buildTime != "" {
		buildFlags.Time = buildTime
	}
	if buildCommit != "" {
		buildFlags.Commit = buildCommit
	}
	if buildVersion != "" {
		buildFlags.Version = buildVersion
	}
}

// GetBuildFlags returns the current build information. Values are the
// development defaults until Initialize() has run with ldflags set.
func GetBuildFlags() *ldFlags {
	return buildFlags
}
