// Package version provides build-time version information for connpool binaries.
//
// Version is set at build time using ldflags:
//
//	go build -ldflags "-X github.com/go-i2p/connpool/version.Version=1.0.0"
//
// For development builds, the default "dev" version is used.
package version

import (
	"fmt"
	"runtime"
)

// Version is the software version, set at build time via ldflags.
var Version = "dev"

// GitCommit is the git commit hash, set at build time via ldflags.
// Example: go build -ldflags "-X github.com/go-i2p/connpool/version.GitCommit=$(git rev-parse --short HEAD)"
var GitCommit = ""

// BuildTime is when the binary was built, set at build time via ldflags.
var BuildTime = ""

// Full returns the version string with commit and build time when known.
func Full() string {
	v := Version
	if GitCommit != "" {
		v += "-" + GitCommit
	}
	if BuildTime != "" {
		v += " (" + BuildTime + ")"
	}
	return v
}

// Banner returns the line printed by a program's -version flag.
func Banner(program string) string {
	return fmt.Sprintf("%s version %s %s/%s %s", program, Full(), runtime.GOOS, runtime.GOARCH, runtime.Version())
}
