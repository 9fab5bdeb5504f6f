// Package base holds the pieces shared by CLI commands.
package base

import (
	"bytes"
	"flag"
	"fmt"
	"strings"

	"github.com/hashicorp/go-hclog"
	"github.com/mitchellh/cli"
)

// Command is embedded by every subcommand.
type Command struct {
	UI  cli.Ui
	Log hclog.Logger
}

// NewCommand returns a Command writing to ui and logging to log.
func NewCommand(log hclog.Logger, ui cli.Ui) *Command {
	return &Command{UI: ui, Log: log}
}

// FlagSet wraps a flag.FlagSet with help rendering.
type FlagSet struct {
	*flag.FlagSet
}

// NewFlagSet wraps f.
func NewFlagSet(f *flag.FlagSet) *FlagSet {
	return &FlagSet{FlagSet: f}
}

// Help renders the flags in the style of the command help text.
func (f *FlagSet) Help() string {
	var buf bytes.Buffer
	buf.WriteString("\n\nOptions:\n")
	f.VisitAll(func(fl *flag.Flag) {
		def := ""
		if fl.DefValue != "" {
			def = fmt.Sprintf(" (default: %s)", fl.DefValue)
		}
		fmt.Fprintf(&buf, "\n  -%s%s\n", fl.Name, def)
		fmt.Fprintf(&buf, "      %s\n", strings.TrimSpace(fl.Usage))
	})
	return strings.TrimRight(buf.String(), "\n")
}
