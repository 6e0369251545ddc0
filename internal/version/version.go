// Package version carries the build identity stamped into traceletd via
// -ldflags at release time. Unstamped builds report "dev".
package version

var (
	// Version is the traceletd release version.
	Version = "dev"
	// GitSHA is the commit the binary was built from.
	GitSHA = "unknown"
	// BuildTime is when the binary was built.
	BuildTime = "unknown"
)
