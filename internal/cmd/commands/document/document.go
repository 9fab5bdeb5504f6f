// Package document holds the add and remove commands, which queue a single
// operation and commit it.
package document

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/hashicorp-forge/hermes-committer/internal/cmd/base"
	"github.com/hashicorp-forge/hermes-committer/internal/cmd/commands"
	"github.com/hashicorp-forge/hermes-committer/pkg/committer"
	"github.com/hashicorp-forge/hermes-committer/pkg/fieldmap"
)

// attrFlag collects repeated -attr name=value flags.
type attrFlag struct {
	attrs fieldmap.Attributes
}

func (a *attrFlag) String() string {
	if a.attrs == nil {
		return ""
	}
	var parts []string
	for _, name := range a.attrs.Keys() {
		for _, v := range a.attrs[name] {
			parts = append(parts, name+"="+v)
		}
	}
	return strings.Join(parts, ",")
}

func (a *attrFlag) Set(s string) error {
	name, value, ok := strings.Cut(s, "=")
	if !ok || name == "" {
		return fmt.Errorf("attribute must be name=value: %q", s)
	}
	if a.attrs == nil {
		a.attrs = fieldmap.Attributes{}
	}
	a.attrs.Add(name, value)
	return nil
}

type AddCommand struct {
	*base.Command

	flagConfig string
	flagID     string
	flagFile   string
	flagAttrs  attrFlag
}

func (c *AddCommand) Synopsis() string {
	return "Add or replace one document"
}

func (c *AddCommand) Help() string {
	return `Usage: hermes-committer add -id=ID [-file=path] [-attr=name=value ...]

  Queue an add of the document and commit it. Content is read from -file,
  or from stdin when -file is "-".` + c.Flags().Help()
}

func (c *AddCommand) Flags() *base.FlagSet {
	f := base.NewFlagSet(flag.NewFlagSet("add", flag.ContinueOnError))

	f.StringVar(&c.flagConfig, "config", "",
		"[HERMES_COMMITTER_CONFIG] Path to the HCL configuration file")
	f.StringVar(&c.flagID, "id", "", "Document id")
	f.StringVar(&c.flagFile, "file", "", "Content file, or - for stdin")
	f.Var(&c.flagAttrs, "attr", "Attribute as name=value, may be repeated")

	return f
}

func (c *AddCommand) Run(args []string) int {
	f := c.Flags()
	if err := f.Parse(args); err != nil {
		c.UI.Error(fmt.Sprintf("error parsing flags: %v", err))
		return 1
	}
	if c.flagID == "" {
		c.UI.Error("document id is required (-id)")
		return 1
	}

	var content io.Reader = strings.NewReader("")
	switch c.flagFile {
	case "":
	case "-":
		content = os.Stdin
	default:
		file, err := os.Open(c.flagFile)
		if err != nil {
			c.UI.Error(fmt.Sprintf("error opening content file: %v", err))
			return 1
		}
		defer file.Close()
		content = file
	}

	return run(c.Command, c.flagConfig, func(ctx context.Context, cm *committer.Committer) error {
		return cm.Add(ctx, c.flagID, content, c.flagAttrs.attrs)
	})
}

type RemoveCommand struct {
	*base.Command

	flagConfig string
	flagID     string
	flagAttrs  attrFlag
}

func (c *RemoveCommand) Synopsis() string {
	return "Remove one document"
}

func (c *RemoveCommand) Help() string {
	return `Usage: hermes-committer remove -id=ID [-attr=name=value ...]

  Queue a delete of the document and commit it.` + c.Flags().Help()
}

func (c *RemoveCommand) Flags() *base.FlagSet {
	f := base.NewFlagSet(flag.NewFlagSet("remove", flag.ContinueOnError))

	f.StringVar(&c.flagConfig, "config", "",
		"[HERMES_COMMITTER_CONFIG] Path to the HCL configuration file")
	f.StringVar(&c.flagID, "id", "", "Document id")
	f.Var(&c.flagAttrs, "attr", "Attribute as name=value, may be repeated")

	return f
}

func (c *RemoveCommand) Run(args []string) int {
	f := c.Flags()
	if err := f.Parse(args); err != nil {
		c.UI.Error(fmt.Sprintf("error parsing flags: %v", err))
		return 1
	}
	if c.flagID == "" {
		c.UI.Error("document id is required (-id)")
		return 1
	}

	return run(c.Command, c.flagConfig, func(ctx context.Context, cm *committer.Committer) error {
		return cm.Remove(ctx, c.flagID, c.flagAttrs.attrs)
	})
}

func run(c *base.Command, configPath string, op func(context.Context, *committer.Committer) error) int {
	cfg, err := commands.LoadConfig(configPath)
	if err != nil {
		c.UI.Error(err.Error())
		return 1
	}

	cm, err := committer.New(*cfg, committer.WithLogger(c.Log))
	if err != nil {
		c.UI.Error(fmt.Sprintf("error creating committer: %v", err))
		return 1
	}

	ctx := context.Background()
	if err := op(ctx, cm); err != nil {
		c.UI.Error(fmt.Sprintf("error queuing operation: %v", err))
		cm.Close()
		return 1
	}
	// Close commits what is pending.
	if err := cm.Close(); err != nil {
		c.UI.Error(fmt.Sprintf("operation queued but not committed: %v", err))
		return 1
	}
	return 0
}
