package cmd

import (
	"bufio"
	"os"

	"github.com/mitchellh/cli"

	"github.com/hashicorp-forge/hermes-committer/internal/version"
)

const (
	cliName        = "hermes-committer"
	defaultCommand = "consume"
)

// Main runs the CLI with the given arguments and returns the exit code.
func Main(args []string) int {
	ui := &cli.BasicUi{
		Reader:      bufio.NewReader(os.Stdin),
		Writer:      os.Stdout,
		ErrorWriter: os.Stderr,
	}
	initCommands(newLogger(os.Stderr, os.Getenv), ui)

	c := &cli.CLI{
		Name:     cliName,
		Args:     commandArgs(args[1:]),
		Version:  version.Version,
		Commands: Commands,
	}

	exitCode, err := c.Run()
	if err != nil {
		ui.Error(err.Error())
		return 1
	}
	return exitCode
}

// commandArgs maps -v/-version to the version command and runs consume when
// no command is given.
func commandArgs(args []string) []string {
	switch {
	case len(args) == 0:
		return []string{defaultCommand}
	case len(args) == 1 && (args[0] == "-v" || args[0] == "-version"):
		return []string{"version"}
	default:
		return args
	}
}
