package version

import (
	"github.com/hashicorp-forge/hermes-committer/internal/cmd/base"
	"github.com/hashicorp-forge/hermes-committer/internal/version"
)

type Command struct {
	*base.Command
}

func (c *Command) Synopsis() string {
	return "Print the version"
}

func (c *Command) Help() string {
	return "Usage: hermes-committer version"
}

func (c *Command) Run(args []string) int {
	c.UI.Output(version.Version)
	return 0
}
