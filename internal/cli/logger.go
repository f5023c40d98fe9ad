package cli

import (
	"io"
	"log/slog"
	"os"

	"github.com/cruciblehq/crate/internal"
	"github.com/mattn/go-isatty"
)

// Level shared by every logger this package installs, so the level can
// change after the logger is created.
var logLevel = new(slog.LevelVar)

// Installs the process logger on stderr, seeded from build-time linker flags.
//
// The level is adjusted again after flag parsing via [Execute].
func ConfigureDefault() {
	logLevel.Set(internal.LogLevel())
	slog.SetDefault(newLogger(os.Stderr, isTerminal(os.Stderr), internal.IsVerbose()))
}

// Creates a logger writing human-readable text to terminals and JSON lines
// everywhere else.
func newLogger(w io.Writer, tty, verbose bool) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:     logLevel,
		AddSource: verbose,
	}

	var handler slog.Handler
	if tty {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}

	return slog.New(handler).With("app", internal.Name)
}

// Whether the given file is an interactive terminal.
func isTerminal(f *os.File) bool {
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
