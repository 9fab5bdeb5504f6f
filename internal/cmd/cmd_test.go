package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/mitchellh/cli"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hashicorp-forge/hermes-committer/internal/cmd/commands"
	"github.com/hashicorp-forge/hermes-committer/internal/version"
	"github.com/hashicorp-forge/hermes-committer/pkg/backend/bleve"
)

func run(t *testing.T, args ...string) (int, *cli.MockUi) {
	t.Helper()
	ui := cli.NewMockUi()
	initCommands(hclog.NewNullLogger(), ui)

	factory, ok := Commands[args[0]]
	require.True(t, ok, "unknown command %s", args[0])
	c, err := factory()
	require.NoError(t, err)
	return c.Run(args[1:]), ui
}

func writeConfig(t *testing.T) (configPath, indexPath string) {
	t.Helper()
	dir := t.TempDir()
	indexPath = filepath.Join(dir, "index")
	configPath = filepath.Join(dir, "committer.hcl")
	src := fmt.Sprintf(`
queue_dir = %q

backend "bleve" {
  endpoint = %q
}
`, filepath.Join(dir, "queue"), indexPath)
	require.NoError(t, os.WriteFile(configPath, []byte(src), 0o644))
	return configPath, indexPath
}

func lookup(t *testing.T, indexPath, id string) map[string][]string {
	t.Helper()
	index, err := bleve.New(bleve.Config{Path: indexPath})
	require.NoError(t, err)
	defer index.Close()

	rec, err := index.Lookup(context.Background(), id)
	require.NoError(t, err)
	return rec
}

func TestCommands_AddStatusRemove(t *testing.T) {
	configPath, indexPath := writeConfig(t)

	contentPath := filepath.Join(t.TempDir(), "doc.txt")
	require.NoError(t, os.WriteFile(contentPath, []byte("hello world!"), 0o644))

	code, ui := run(t, "add",
		"-config", configPath,
		"-id", "doc-1",
		"-file", contentPath,
		"-attr", "title=Hello",
	)
	require.Equal(t, 0, code, ui.ErrorWriter.String())

	rec := lookup(t, indexPath, "doc-1")
	require.NotNil(t, rec)
	assert.Equal(t, []string{"hello world!"}, rec["content"])
	assert.Equal(t, []string{"Hello"}, rec["title"])

	code, ui = run(t, "status", "-config", configPath)
	require.Equal(t, 0, code, ui.ErrorWriter.String())
	assert.Contains(t, ui.OutputWriter.String(), "Queue is empty")

	code, ui = run(t, "remove", "-config", configPath, "-id", "doc-1")
	require.Equal(t, 0, code, ui.ErrorWriter.String())
	assert.Nil(t, lookup(t, indexPath, "doc-1"))

	code, ui = run(t, "commit", "-config", configPath)
	require.Equal(t, 0, code, ui.ErrorWriter.String())
	assert.Contains(t, ui.OutputWriter.String(), "Committed 0 operations")
}

func TestCommands_ConfigFromEnv(t *testing.T) {
	configPath, _ := writeConfig(t)
	t.Setenv(commands.ConfigEnv, configPath)

	code, ui := run(t, "status")
	require.Equal(t, 0, code, ui.ErrorWriter.String())
	assert.Contains(t, ui.OutputWriter.String(), "Queue is empty")
}

func TestCommands_Errors(t *testing.T) {
	t.Setenv(commands.ConfigEnv, "")
	configPath, _ := writeConfig(t)

	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{name: "no config", args: []string{"commit"}, wantErr: "config file is required"},
		{name: "missing config", args: []string{"status", "-config", "/nonexistent.hcl"}, wantErr: "not found"},
		{name: "add without id", args: []string{"add", "-config", configPath}, wantErr: "document id is required"},
		{name: "remove without id", args: []string{"remove", "-config", configPath}, wantErr: "document id is required"},
		{name: "bad attribute", args: []string{"add", "-config", configPath, "-id", "x", "-attr", "novalue"}, wantErr: "name=value"},
		{name: "bad flag", args: []string{"consume", "-nope"}, wantErr: "error parsing flags"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, ui := run(t, tt.args...)
			assert.Equal(t, 1, code)
			assert.Contains(t, ui.ErrorWriter.String(), tt.wantErr)
		})
	}
}

func TestCommands_Version(t *testing.T) {
	code, ui := run(t, "version")
	assert.Equal(t, 0, code)
	assert.Equal(t, version.Version+"\n", ui.OutputWriter.String())
}

func TestCommands_Help(t *testing.T) {
	ui := cli.NewMockUi()
	initCommands(hclog.NewNullLogger(), ui)

	for name, factory := range Commands {
		c, err := factory()
		require.NoError(t, err)
		assert.NotEmpty(t, c.Synopsis(), name)
		assert.Contains(t, c.Help(), "Usage: hermes-committer "+name, name)
	}
}
