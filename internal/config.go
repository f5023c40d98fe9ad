package internal

import (
	"log/slog"
	"strconv"
	"sync/atomic"
)

var (
	quietMode   atomic.Bool // Warnings and errors only.
	debugMode   atomic.Bool // Debug records, including in-container command output.
	verboseMode atomic.Bool // Source locations on every record.
)

// Seeds the output modes from linker flags. Unparseable values are ignored
// and the mode stays off.
func init() {
	if v, err := strconv.ParseBool(rawQuiet); err == nil {
		quietMode.Store(v)
	}
	if v, err := strconv.ParseBool(rawDebug); err == nil {
		debugMode.Store(v)
	}
	if v, err := strconv.ParseBool(rawVerbose); err == nil {
		verboseMode.Store(v)
	}
}

// Applies CLI overrides on top of the linker defaults. A flag can only turn
// a mode on.
func ApplyFlags(quiet, verbose, debug bool) {
	if quiet {
		quietMode.Store(true)
	}
	if verbose {
		verboseMode.Store(true)
	}
	if debug {
		debugMode.Store(true)
	}
}

// Returns true if quiet mode is enabled.
func IsQuiet() bool {
	return quietMode.Load()
}

// Returns true if debug mode is enabled.
func IsDebug() bool {
	return debugMode.Load()
}

// Returns true if verbose logging is enabled.
func IsVerbose() bool {
	return verboseMode.Load()
}

// Returns the log level for the current modes. Debug wins over quiet.
func LogLevel() slog.Level {
	switch {
	case IsDebug():
		return slog.LevelDebug
	case IsQuiet():
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}
