// Package version holds build metadata stamped in at link time.
package version

var (
	// Version is the release version of the running binary.
	Version = "dev"

	// Commit is the Git hash the binary was built from.
	Commit = "<unknown>"

	// Date is the build timestamp.
	Date = "<unknown>"
)
