// Package commands holds helpers shared by the committer subcommands.
package commands

import (
	"fmt"
	"os"

	"github.com/hashicorp-forge/hermes-committer/pkg/committer"
)

// ConfigEnv names the environment variable used when -config is not set.
const ConfigEnv = "HERMES_COMMITTER_CONFIG"

// LoadConfig reads the committer configuration from path, or from
// HERMES_COMMITTER_CONFIG when path is empty.
func LoadConfig(path string) (*committer.Config, error) {
	if path == "" {
		path = os.Getenv(ConfigEnv)
	}
	if path == "" {
		return nil, fmt.Errorf("config file is required (-config or %s)", ConfigEnv)
	}
	return committer.LoadConfig(path)
}
