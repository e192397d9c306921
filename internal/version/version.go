// Package version holds the engine version stamped into the CLI and
// the tracing resource.
package version

// Version is the engine release version.
const Version = "1.2.0"
