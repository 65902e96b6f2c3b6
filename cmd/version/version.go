package version

import (
	"fmt"
	"runtime"
	"strings"
)

// Default build-time variable.
// These values are overridden via ldflags
var (
	Version    = "unknown-version"
	GitCommit  = "unknown-commit"
	BuildTime  = "unknown-buildtime"
	APIVersion = "v1"
)

func BuildInfo() string {
	var b strings.Builder
	fmt.Fprintln(&b, "Version:\t", Version)
	fmt.Fprintln(&b, "API version:\t", APIVersion)
	fmt.Fprintln(&b, "Go version:\t", runtime.Version())
	fmt.Fprintln(&b, "Git commit:\t", GitCommit)
	fmt.Fprintln(&b, "Built:\t\t", BuildTime)
	fmt.Fprintf(&b, "OS/Arch:\t %s/%s\n", runtime.GOOS, runtime.GOARCH)
	return b.String()
}
