package cli

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/cruciblehq/crate/internal"
	"github.com/cruciblehq/crate/internal/config"
)

// Represents the root command for crate.
var RootCmd struct {
	Quiet      bool          `short:"q" help:"Suppress informational output."`
	Verbose    bool          `short:"v" help:"Add source locations to log output."`
	Debug      bool          `short:"d" help:"Enable debug output."`
	Config     string        `short:"c" help:"Config file. Defaults to the closest crate.toml." type:"existingfile" placeholder:"PATH"`
	Publish    PublishCmd    `cmd:"" default:"withargs" help:"Build the image and publish the compressed archive (default)."`
	Verify     VerifyCmd     `cmd:"" help:"Check a published archive."`
	Dockerfile DockerfileCmd `cmd:"" help:"Print the build as an equivalent multi-stage Dockerfile."`
	Cache      CacheCmd      `cmd:"" help:"Manage the step cache."`
	Version    VersionCmd    `cmd:"" help:"Show version information."`
}

// Parses arguments, configures logging, and runs the selected subcommand.
//
// SIGINT and SIGTERM cancel the context passed to the command.
func Execute() error {

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	kongCtx := kong.Parse(&RootCmd,
		kong.Name(internal.Name),
		kong.Description("Builds the bots container image and publishes it as a gzip-compressed archive."),
		kong.UsageOnError(),
		kong.Vars{
			"version": internal.VersionString(),
		},
		kong.BindTo(ctx, (*context.Context)(nil)),
	)

	configureLogger()

	return kongCtx.Run()
}

// Configures the global logger based on CLI flags.
func configureLogger() {
	internal.ApplyFlags(RootCmd.Quiet, RootCmd.Verbose, RootCmd.Debug)
	logLevel.Set(internal.LogLevel())

	if internal.IsVerbose() {
		ConfigureDefault()
	}
}

// Loads the configuration for a build context, honoring --config.
func loadConfig(contextDir string) (*config.Config, error) {
	if RootCmd.Config != "" {
		return config.LoadFile(RootCmd.Config)
	}
	return config.Load(contextDir)
}
