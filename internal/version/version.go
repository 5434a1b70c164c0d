// Package version carries build metadata injected by the release pipeline.
package version

import (
	"fmt"
	"runtime"
)

// These values are overridden at build time via -ldflags "-X ...".
var (
	Version      = "dev"
	GitCommit    = "unknown"
	GitTreeState = "unknown" // clean|dirty|unknown
	BuildDate    = "unknown" // RFC3339 UTC preferred
)

type Info struct {
	Version      string `json:"version" yaml:"version"`
	GitCommit    string `json:"gitCommit" yaml:"gitCommit"`
	GitTreeState string `json:"gitTreeState" yaml:"gitTreeState"`
	BuildDate    string `json:"buildDate" yaml:"buildDate"`
	GoVersion    string `json:"goVersion" yaml:"goVersion"`
	Platform     string `json:"platform" yaml:"platform"`
}

func Get() Info {
	return Info{
		Version:      Version,
		GitCommit:    GitCommit,
		GitTreeState: GitTreeState,
		BuildDate:    BuildDate,
		GoVersion:    runtime.Version(),
		Platform:     fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
	}
}

// String renders the one-line form printed by `tierdeploy version`.
func (i Info) String() string {
	commit := i.GitCommit
	if len(commit) > 12 {
		commit = commit[:12]
	}
	if i.GitTreeState == "dirty" {
		commit += "-dirty"
	}
	return fmt.Sprintf("tierdeploy %s (commit %s, built %s, %s %s)", i.Version, commit, i.BuildDate, i.GoVersion, i.Platform)
}
