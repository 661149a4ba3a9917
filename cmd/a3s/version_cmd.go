package main

import (
	"fmt"

	"github.com/a3s-run/a3s/version"
)

type VersionCmd struct{}

func (c *VersionCmd) Run(cctx *Context) error {
	fmt.Println("a3s microVM container runtime")

	v := version.Get()
	if v.GitCommit != "" {
		fmt.Printf("Git Commit: %s\n", v.GitCommit)
	}
	if v.GitBranch != "" {
		fmt.Printf("Git Branch: %s\n", v.GitBranch)
	}
	if v.BuildTime != "" {
		fmt.Printf("Build Time: %s\n", v.BuildTime)
	}
	if v.BuildInfo == nil {
		fmt.Println("build info not available")
		return nil
	}
	for _, setting := range v.BuildInfo.Settings {
		switch setting.Key {
		case "vcs.revision":
			if v.GitCommit == "" {
				fmt.Printf("Git Commit: %s\n", setting.Value)
			}
		case "vcs.time":
			fmt.Printf("Commit Time: %s\n", setting.Value)
		case "vcs.modified":
			fmt.Printf("Modified: %s\n", setting.Value)
		}
	}
	return nil
}
