// Package main is the entry point for the shotplane CLI.
// The CLI is the operator terminal tool for interacting with the shotplane API.
package main

import (
	"os"
	"shotplane/cmd/cli/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
