// Parses flags and dispatches the crate commands.
//
// Running crate with no command builds the image from the current directory
// and publishes the archive. The global flags are:
//
//	-q, --quiet     Suppress informational output.
//	-v, --verbose   Add source locations to log records.
//	-d, --debug     Enable debug output, including in-container command output.
//	-c, --config    Use this config file instead of discovering crate.toml.
//
// Flags override build-time defaults set via linker flags. After parsing, the
// global logger is reconfigured to reflect the final level and verbosity
// before the command runs.
package cli
