package cli

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cruciblehq/crate/internal/build"
	"github.com/cruciblehq/crate/internal/cache"
	"github.com/cruciblehq/crate/internal/config"
	"github.com/cruciblehq/crate/internal/paths"
	"github.com/cruciblehq/crate/internal/publish"
	"github.com/cruciblehq/crate/internal/recipe"
	"github.com/cruciblehq/crate/internal/runtime"
	"github.com/dustin/go-humanize"
)

// Represents the 'crate publish' command, which also runs when no command
// is given.
type PublishCmd struct {
	Context  string `short:"C" help:"Build context directory." default:"." type:"existingdir" placeholder:"DIR"`
	Output   string `short:"o" help:"Archive path. Overrides output.path." placeholder:"PATH"`
	Platform string `help:"Target platform. Overrides image.platform." placeholder:"OS/ARCH"`
	NoCache  bool   `help:"Run every step, ignoring and not updating the step cache."`
}

// Executes the publish command.
//
// Builds the image from the build context, then writes the archive. The
// output lock is held for the whole run, so a second run against the same
// output fails fast instead of fighting over stage containers.
func (c *PublishCmd) Run(ctx context.Context) error {
	cfg, err := loadConfig(c.Context)
	if err != nil {
		return err
	}
	c.override(cfg)

	r, err := recipe.FromConfig(cfg)
	if err != nil {
		return err
	}

	if err := publish.CheckOutput(cfg.Output.Path); err != nil {
		return err
	}

	cacheDir := cacheDir(cfg)
	unlock, err := publish.Lock(paths.OutputLock(cacheDir, cfg.Output.Path), cfg.Output.Path)
	if err != nil {
		return err
	}
	defer unlock()

	rt, err := openRuntime(cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	var idx *cache.Index
	if cfg.Cache.Enabled {
		idx, err = cache.Open(paths.CacheIndex(cacheDir))
		if err != nil {
			return err
		}
	}

	epoch := time.Unix(cfg.Image.SourceDateEpoch, 0).UTC()
	result, err := build.Run(ctx, build.FromRuntime(rt), build.Options{
		Recipe:     r,
		Resource:   cfg.Image.Name,
		Tag:        cfg.Image.Tag,
		Context:    c.Context,
		Entrypoint: []string{cfg.Runtime.Binary},
		Platform:   cfg.Image.Platform,
		Epoch:      &epoch,
		Cache:      idx,
	})

	// Steps that succeeded stay cached even when a later one failed.
	if idx != nil {
		if err := idx.Save(); err != nil {
			slog.Warn("failed to save step cache", "error", err)
		}
	}
	if err != nil {
		return err
	}

	pub, err := publish.Publish(ctx, rt, publish.Options{
		Path:     cfg.Output.Path,
		Tag:      result.Tag,
		Platform: result.Platform,
		Level:    cfg.Output.CompressionLevel,
	})
	if err != nil {
		return err
	}

	slog.Info("done",
		"path", pub.Path,
		"size", humanize.IBytes(uint64(pub.Size)),
		"executed", result.Executed,
		"cached", result.Cached,
	)
	fmt.Println(pub.Path)

	return nil
}

// Applies command-line overrides to the loaded configuration.
func (c *PublishCmd) override(cfg *config.Config) {
	if c.Output != "" {
		cfg.Output.Path = c.Output
	}
	if c.Platform != "" {
		cfg.Image.Platform = c.Platform
	}
	if c.NoCache {
		cfg.Cache.Enabled = false
	}
}

// Returns the configured cache directory, or the XDG default.
func cacheDir(cfg *config.Config) string {
	if cfg.Cache.Dir != "" {
		return cfg.Cache.Dir
	}
	return paths.Cache()
}

// Connects to containerd as configured.
func openRuntime(cfg *config.Config) (*runtime.Runtime, error) {
	return runtime.New(runtime.Options{
		Address:     cfg.Containerd.Address,
		Namespace:   cfg.Containerd.Namespace,
		Snapshotter: cfg.Containerd.Snapshotter,
	})
}
