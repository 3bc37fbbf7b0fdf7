// Package version reports the build version. Release builds set Version
// with -ldflags "-X github.com/bnema/sessionkeeper/internal/version.Version=v1.2.3".
package version

import "runtime/debug"

var Version = "dev"

// String returns Version, or the module version recorded by `go install`
// when no version was linked in.
func String() string {
	if Version != "dev" {
		return Version
	}
	info, ok := debug.ReadBuildInfo()
	if !ok || info.Main.Version == "" || info.Main.Version == "(devel)" {
		return Version
	}
	return info.Main.Version
}
