// Package main is the entry point for the capflow CLI application.
package main

import (
	"os"

	"github.com/danielolaszy/capflow/cmd"
	"github.com/danielolaszy/capflow/internal/logging"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// main executes the root command. Errors have already been reported by
// cmd.Execute, so only the exit code is set here.
func main() {
	logging.Debug("starting capflow cli", "version", version)

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
