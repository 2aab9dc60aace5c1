package main

import (
	"os"

	"github.com/probelab/crucible/cmd"
)

func main() {
	if err := cmd.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
