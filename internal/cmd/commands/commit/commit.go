package commit

import (
	"context"
	"flag"
	"fmt"

	"github.com/hashicorp-forge/hermes-committer/internal/cmd/base"
	"github.com/hashicorp-forge/hermes-committer/internal/cmd/commands"
	"github.com/hashicorp-forge/hermes-committer/pkg/committer"
)

type Command struct {
	*base.Command

	flagConfig string
}

func (c *Command) Synopsis() string {
	return "Commit all queued operations to the backend"
}

func (c *Command) Help() string {
	return `Usage: hermes-committer commit -config=committer.hcl

  Drain the operation queue into the configured backend and exit.` + c.Flags().Help()
}

func (c *Command) Flags() *base.FlagSet {
	f := base.NewFlagSet(flag.NewFlagSet("commit", flag.ContinueOnError))

	f.StringVar(
		&c.flagConfig, "config", "",
		"[HERMES_COMMITTER_CONFIG] Path to the HCL configuration file",
	)

	return f
}

func (c *Command) Run(args []string) int {
	f := c.Flags()
	if err := f.Parse(args); err != nil {
		c.UI.Error(fmt.Sprintf("error parsing flags: %v", err))
		return 1
	}

	cfg, err := commands.LoadConfig(c.flagConfig)
	if err != nil {
		c.UI.Error(err.Error())
		return 1
	}

	cm, err := committer.New(*cfg, committer.WithLogger(c.Log))
	if err != nil {
		c.UI.Error(fmt.Sprintf("error creating committer: %v", err))
		return 1
	}

	pending := cm.Size()
	if err := cm.Commit(context.Background()); err != nil {
		c.UI.Error(fmt.Sprintf("error committing: %v", err))
		cm.Close()
		return 1
	}
	if err := cm.Close(); err != nil {
		c.UI.Error(fmt.Sprintf("error closing committer: %v", err))
		return 1
	}

	c.UI.Output(fmt.Sprintf("Committed %d operations", pending))
	return 0
}
