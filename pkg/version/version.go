// Package version exposes the build version derived from VCS metadata.
//
// Priority: -ldflags override > debug.BuildInfo vcs.revision > "dev".
package version

import "runtime/debug"

// AppName appears in version strings and the health endpoint.
const AppName = "pulsera"

// gitCommitOverride is set via -ldflags for container builds where
// .git is unavailable. Empty means no override.
var gitCommitOverride string

// GitCommit is the short commit hash, "dev" when build info is absent.
var GitCommit = initGitCommit()

func initGitCommit() string {
	if gitCommitOverride != "" {
		return shorten(gitCommitOverride)
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "dev"
	}
	for _, s := range info.Settings {
		if s.Key == "vcs.revision" && s.Value != "" {
			return shorten(s.Value)
		}
	}
	return "dev"
}

func shorten(rev string) string {
	if len(rev) > 8 {
		return rev[:8]
	}
	return rev
}

// Full returns "pulsera/<commit>" for logs and user-agent strings.
func Full() string {
	return AppName + "/" + GitCommit
}
