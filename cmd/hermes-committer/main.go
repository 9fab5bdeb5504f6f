package main

import (
	"os"

	"github.com/hashicorp-forge/hermes-committer/internal/cmd"
)

func main() {
	os.Exit(cmd.Main(os.Args))
}
