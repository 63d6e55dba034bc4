// Package version reports the build's identity, injected at link time
// and supplemented from the Go build info.
package version

import (
	"runtime/debug"

	"github.com/google/go-cmp/cmp"
)

var (
	// These are set via -ldflags during build.
	GitRepo   string
	GitBranch string
	GitCommit string
	BuildTime string
)

// Info is the full version record.
type Info struct {
	GitRepo   string           `json:"gitRepo,omitempty"`
	GitBranch string           `json:"gitBranch,omitempty"`
	GitCommit string           `json:"gitCommit,omitempty"`
	BuildTime string           `json:"buildTime,omitempty"`
	BuildInfo *debug.BuildInfo `json:"buildInfo,omitempty"`
}

// Get returns the version information.
func Get() Info {
	buildInfo, ok := debug.ReadBuildInfo()
	ret := Info{
		GitRepo:   GitRepo,
		GitBranch: GitBranch,
		GitCommit: GitCommit,
		BuildTime: BuildTime,
	}
	if ok {
		ret.BuildInfo = buildInfo
	}
	return ret
}

// Short renders a one-line human version.
func (v Info) Short() string {
	commit := v.GitCommit
	if commit == "" && v.BuildInfo != nil {
		commit = v.BuildInfo.Main.Version
	}
	if commit == "" {
		commit = "devel"
	}
	if v.BuildTime != "" {
		return commit + " (" + v.BuildTime + ")"
	}
	return commit
}

// Equal checks whether two version infos represent the same build.
// Two versions are equal when they come from the same commit and the
// same dependency set.
func (v Info) Equal(other Info) bool {
	if v.BuildInfo != nil {
		if other.BuildInfo == nil {
			return false
		}
		if v.BuildInfo.Main.Path != other.BuildInfo.Main.Path ||
			!cmp.Equal(v.BuildInfo.Deps, other.BuildInfo.Deps) ||
			v.BuildInfo.GoVersion != other.BuildInfo.GoVersion {
			return false
		}
	}
	return v.BuildTime == other.BuildTime &&
		v.GitBranch == other.GitBranch &&
		v.GitCommit == other.GitCommit &&
		v.GitRepo == other.GitRepo
}
