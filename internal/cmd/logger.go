package cmd

import (
	"io"
	"strings"

	"github.com/hashicorp/go-hclog"
)

const (
	logLevelEnv  = "HERMES_COMMITTER_LOG_LEVEL"
	logFormatEnv = "HERMES_COMMITTER_LOG_FORMAT"
)

// newLogger builds the root logger. HERMES_COMMITTER_LOG_LEVEL sets the
// level (default info) and HERMES_COMMITTER_LOG_FORMAT=json switches to JSON
// lines for log shippers.
func newLogger(w io.Writer, getenv func(string) string) hclog.Logger {
	level := hclog.LevelFromString(getenv(logLevelEnv))
	if level == hclog.NoLevel {
		level = hclog.Info
	}

	return hclog.New(&hclog.LoggerOptions{
		Name:       "hermes-committer",
		Level:      level,
		Output:     w,
		JSONFormat: strings.EqualFold(getenv(logFormatEnv), "json"),
	})
}
