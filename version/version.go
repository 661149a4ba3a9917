// Package version reports the a3s binary's build provenance: git
// revision and branch, build time, and the Go module/build info, for
// `a3s version` and any future RPC that needs to compare daemon and
// client builds.
package version

import (
	"runtime/debug"

	"github.com/google/go-cmp/cmp"
)

// Set via -ldflags at build time; empty outside a release build.
var (
	GitRepo   string
	GitBranch string
	GitCommit string
	BuildTime string
)

// Info is the version/build identity of a single a3s binary.
type Info struct {
	GitRepo   string           `json:"gitRepo,omitempty"`
	GitBranch string           `json:"gitBranch,omitempty"`
	GitCommit string           `json:"gitCommit,omitempty"`
	BuildTime string           `json:"buildTime,omitempty"`
	BuildInfo *debug.BuildInfo `json:"buildInfo,omitempty"`
}

// Get reads the ldflags-injected identity plus the runtime build info.
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

// Equal checks if two version infos represent the same version: the same
// git commit, branch and repo, and, when v carries build info, the same
// main module path, dependencies and Go version. Build time is not compared.
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
	if v.GitBranch != other.GitBranch ||
		v.GitCommit != other.GitCommit ||
		v.GitRepo != other.GitRepo {
		return false
	}
	return true
}
