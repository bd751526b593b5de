// Package version exposes the application version derived from build metadata.
//
// Priority: CLAWDIS_VERSION / GIT_COMMIT environment > -ldflags override >
// VCS info from debug.BuildInfo > "dev" fallback.
package version

import (
	"os"
	"runtime/debug"
)

// AppName is the application name used in version strings and protocol handshakes.
const AppName = "clawdis-gateway"

// versionOverride and commitOverride are set via -ldflags at build time for
// container builds where .git is unavailable. Empty string means no override.
var (
	versionOverride string
	commitOverride  string
)

// App returns the reported application version: CLAWDIS_VERSION when set,
// else the ldflags override, else "dev".
func App() string {
	if v := os.Getenv("CLAWDIS_VERSION"); v != "" {
		return v
	}
	if versionOverride != "" {
		return versionOverride
	}
	return "dev"
}

// Commit returns the short git commit hash (8 chars): GIT_COMMIT when set,
// else the ldflags override, else VCS build info, else "".
func Commit() string {
	if c := os.Getenv("GIT_COMMIT"); c != "" {
		return short(c)
	}
	if commitOverride != "" {
		return short(commitOverride)
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, s := range info.Settings {
			if s.Key == "vcs.revision" && s.Value != "" {
				return short(s.Value)
			}
		}
	}
	return ""
}

func short(rev string) string {
	if len(rev) > 8 {
		return rev[:8]
	}
	return rev
}

// Full returns "clawdis-gateway/<version>" for user-agent strings and logging.
func Full() string {
	return AppName + "/" + App()
}
