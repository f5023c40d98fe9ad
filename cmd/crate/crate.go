package main

import (
	"log/slog"
	"os"

	"github.com/cruciblehq/crate/internal"
	"github.com/cruciblehq/crate/internal/cli"
)

// The entry point for crate.
//
// Initializes logging, displays startup information, and executes the root
// command. On failure it exits with the code of the failing in-container
// command when there is one, and 1 otherwise.
func main() {
	cli.ConfigureDefault()

	slog.Debug("build", "version", internal.VersionString())

	slog.Debug("crate is running",
		"pid", os.Getpid(),
		"cwd", cwd(),
		"args", os.Args,
	)

	if err := cli.Execute(); err != nil {
		slog.Error(err.Error())
		os.Exit(cli.ExitCode(err))
	}
}

// Returns the current working directory or "(unknown)".
func cwd() string {
	cwd, err := os.Getwd()
	if err != nil {
		return "(unknown)"
	}
	return cwd
}
