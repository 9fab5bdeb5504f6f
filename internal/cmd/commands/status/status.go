package status

import (
	"errors"
	"flag"
	"fmt"

	"github.com/hashicorp-forge/hermes-committer/internal/cmd/base"
	"github.com/hashicorp-forge/hermes-committer/internal/cmd/commands"
	"github.com/hashicorp-forge/hermes-committer/pkg/queue"
)

type Command struct {
	*base.Command

	flagConfig string
}

func (c *Command) Synopsis() string {
	return "Show the operations waiting in the queue"
}

func (c *Command) Help() string {
	return `Usage: hermes-committer status -config=committer.hcl

  Open the operation queue, recovering it if needed, and report what is
  waiting to be committed. The queue cannot be inspected while another
  process is using it.` + c.Flags().Help()
}

func (c *Command) Flags() *base.FlagSet {
	f := base.NewFlagSet(flag.NewFlagSet("status", flag.ContinueOnError))

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

	q, err := queue.Open(queue.Options{Dir: cfg.QueueDir, Logger: c.Log})
	if errors.Is(err, queue.ErrLocked) {
		c.UI.Warn(fmt.Sprintf("Queue %s is in use by another process", cfg.QueueDir))
		return 2
	}
	if err != nil {
		c.UI.Error(fmt.Sprintf("error opening queue: %v", err))
		return 1
	}
	defer q.Close()

	c.UI.Output(Summarize(q.PeekBatch(-1)).String())
	return 0
}

// Summary counts pending operations by kind.
type Summary struct {
	Adds     int
	Deletes  int
	FirstSeq uint64
	LastSeq  uint64
}

// Summarize counts the entries of batch.
func Summarize(batch queue.Batch) Summary {
	var s Summary
	for _, e := range batch {
		switch e.Kind {
		case queue.KindAdd:
			s.Adds++
		case queue.KindDelete:
			s.Deletes++
		}
	}
	if len(batch) > 0 {
		s.FirstSeq = batch[0].Seq
		s.LastSeq = batch[len(batch)-1].Seq
	}
	return s
}

func (s Summary) String() string {
	total := s.Adds + s.Deletes
	if total == 0 {
		return "Queue is empty"
	}
	return fmt.Sprintf("Pending operations: %d (adds: %d, deletes: %d, seq %d-%d)",
		total, s.Adds, s.Deletes, s.FirstSeq, s.LastSeq)
}
