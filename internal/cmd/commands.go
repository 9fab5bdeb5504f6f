package cmd

import (
	"github.com/hashicorp/go-hclog"
	"github.com/mitchellh/cli"

	"github.com/hashicorp-forge/hermes-committer/internal/cmd/base"
	"github.com/hashicorp-forge/hermes-committer/internal/cmd/commands/commit"
	"github.com/hashicorp-forge/hermes-committer/internal/cmd/commands/consume"
	"github.com/hashicorp-forge/hermes-committer/internal/cmd/commands/document"
	"github.com/hashicorp-forge/hermes-committer/internal/cmd/commands/status"
	"github.com/hashicorp-forge/hermes-committer/internal/cmd/commands/version"
)

// Commands is the mapping of all available commands.
var Commands map[string]cli.CommandFactory

func initCommands(log hclog.Logger, ui cli.Ui) {
	b := base.NewCommand(log, ui)

	Commands = map[string]cli.CommandFactory{
		"add": func() (cli.Command, error) {
			return &document.AddCommand{Command: b}, nil
		},
		"commit": func() (cli.Command, error) {
			return &commit.Command{Command: b}, nil
		},
		"consume": func() (cli.Command, error) {
			return &consume.Command{Command: b}, nil
		},
		"remove": func() (cli.Command, error) {
			return &document.RemoveCommand{Command: b}, nil
		},
		"status": func() (cli.Command, error) {
			return &status.Command{Command: b}, nil
		},
		"version": func() (cli.Command, error) {
			return &version.Command{Command: b}, nil
		},
	}
}
