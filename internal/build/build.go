package build

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/containerd/platforms"
	"github.com/cruciblehq/crate/internal/cache"
	"github.com/cruciblehq/crate/internal/recipe"
	"github.com/cruciblehq/crate/internal/runtime"
	"github.com/opencontainers/go-digest"
)

// Controls recipe execution.
type Options struct {
	Recipe     *recipe.Recipe // Recipe to execute.
	Resource   string         // Resource name, prefixes container IDs and cache tags.
	Tag        string         // Engine tag for the final image.
	Context    string         // Build context directory, root for copy sources.
	Entrypoint []string       // Entrypoint of the final image.
	Platform   string         // Target platform. Defaults to the host.
	Epoch      *time.Time     // Pins layer and config timestamps when set.
	Cache      *cache.Index   // Step cache. Nil disables caching.
}

// Returned after successful recipe execution.
type Result struct {
	Tag      string        // Engine tag of the final image.
	Digest   digest.Digest // Manifest digest of the final image.
	Platform string        // Platform the image was built for.
	Executed int           // Operations run in a container.
	Cached   int           // Operations satisfied from the step cache.
}

// Executes a recipe against a container engine.
//
// Stages are built in declaration order. A failing step aborts the build
// before any later step or stage runs. The final stage is stored in the
// engine under opts.Tag with opts.Entrypoint as its entrypoint. All stage
// containers are destroyed when Run returns.
func Run(ctx context.Context, engine Engine, opts Options) (*Result, error) {
	if opts.Recipe == nil {
		return nil, fmt.Errorf("%w: no recipe", ErrBuild)
	}
	if err := opts.Recipe.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBuild, err)
	}
	if opts.Tag == "" {
		return nil, fmt.Errorf("%w: no output tag", ErrBuild)
	}
	if opts.Platform == "" {
		opts.Platform = runtime.DefaultPlatform()
	}
	p, err := platforms.Parse(opts.Platform)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBuild, err)
	}
	opts.Platform = platforms.Format(p)

	slog.Info("executing recipe",
		"resource", opts.Resource,
		"tag", opts.Tag,
		"stages", len(opts.Recipe.Stages),
		"platform", opts.Platform,
		"cache", opts.Cache != nil,
	)

	return newBuilder(engine, opts).build(ctx)
}
