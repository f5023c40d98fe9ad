package build

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cruciblehq/crate/internal/cache"
	"github.com/cruciblehq/crate/internal/recipe"
	"github.com/cruciblehq/crate/internal/runtime"
	"github.com/opencontainers/go-digest"
)

// Holds shared state for building all stages of a recipe.
type builder struct {
	engine   Engine                  // Image and container operations.
	opts     Options                 // Options the build was started with.
	stages   map[string]*stageResult // Stages built so far, by name.
	order    []*stageResult          // Stages in declaration order.
	executed int                     // Operations run in a container.
	cached   int                     // Operations satisfied from the cache.
}

// Where a stage's filesystem currently lives.
//
// With the step cache enabled the state is always an engine image: each
// operation runs in a fresh container that is committed and destroyed
// afterwards. Without the cache one container lives for the whole stage and
// tag stays at the base image.
type stageResult struct {
	name string        // Stage name.
	key  digest.Digest // Chain key after the last operation seen.
	tag  string        // Image holding the stage state, or its base image.
	ctr  Container     // Live container, nil when the state is only in tag.
}

// Creates a new [builder] from the given options.
func newBuilder(engine Engine, opts Options) *builder {
	return &builder{
		engine: engine,
		opts:   opts,
		stages: make(map[string]*stageResult),
	}
}

// Builds the recipe end-to-end and stores the final stage under the output
// tag. All stage containers are destroyed when the build completes.
func (b *builder) build(ctx context.Context) (*Result, error) {
	defer b.destroyContainers(ctx)

	stages := b.opts.Recipe.Stages
	last := len(stages) - 1

	for i, stage := range stages {
		if err := b.buildStage(ctx, stage, i == last); err != nil {
			return nil, fmt.Errorf("%w: stage %q: %w", ErrBuild, stage.Name, err)
		}
	}

	finalStage := b.opts.Recipe.Final()
	final := b.stages[finalStage.Name]
	dgst, err := b.finish(ctx, final, hasOperation(finalStage.Steps))
	if err != nil {
		return nil, fmt.Errorf("%w: stage %q: %w", ErrBuild, final.name, err)
	}

	slog.Info("recipe executed",
		"tag", b.opts.Tag,
		"digest", dgst,
		"executed", b.executed,
		"cached", b.cached,
	)

	return &Result{
		Tag:      b.opts.Tag,
		Digest:   dgst,
		Platform: b.opts.Platform,
		Executed: b.executed,
		Cached:   b.cached,
	}, nil
}

// Builds a single stage.
//
// Resolves the base image, then walks the steps. Modifiers update the step
// state; each operation extends the chain key and is either served from the
// cache or executed. The final operation of the final stage also folds the
// entrypoint into its key, since its committed image carries it.
func (b *builder) buildStage(ctx context.Context, stage recipe.Stage, final bool) error {
	slog.Info("building stage", "stage", stage.Name, "platform", b.opts.Platform)

	base, err := b.resolveBase(ctx, stage)
	if err != nil {
		return err
	}

	res := &stageResult{
		name: stage.Name,
		key:  cache.Key("", "base", b.opts.Platform, base.Digest.String(), b.epochKey()),
		tag:  base.Name,
	}
	b.stages[stage.Name] = res
	b.order = append(b.order, res)

	lastOp := lastOperation(stage.Steps)
	state := newStepState()

	for i, step := range stage.Steps {
		if !step.IsOperation() {
			state.apply(step)
			continue
		}

		resolved := state.resolve(step)

		parts, err := b.fingerprint(step, resolved)
		if err != nil {
			return fmt.Errorf("step %d: %w", i+1, err)
		}
		res.key = cache.Key(res.key, parts...)

		sealed := final && i == lastOp
		if sealed {
			res.key = cache.Key(res.key, "entrypoint", strings.Join(b.opts.Entrypoint, "\x00"))
		}

		if b.lookup(ctx, res) {
			slog.Info("step cached", "stage", stage.Name, "step", i+1, "op", describe(step))
			b.cached++
			continue
		}

		if err := b.runStep(ctx, res, step, resolved, sealed); err != nil {
			return fmt.Errorf("step %d: %w", i+1, err)
		}
	}

	return nil
}

// Returns the epoch as a key part. Commits carry the epoch in their config
// and layer times, so a changed epoch must not reuse earlier commits.
func (b *builder) epochKey() string {
	if b.opts.Epoch == nil {
		return "epoch:none"
	}
	return "epoch:" + strconv.FormatInt(b.opts.Epoch.Unix(), 10)
}

// Pulls or imports a stage's base image. Relative archive paths are resolved
// against the build context.
func (b *builder) resolveBase(ctx context.Context, stage recipe.Stage) (runtime.Image, error) {
	src, err := stage.ParseFrom()
	if err != nil {
		return runtime.Image{}, err
	}

	if src.Archive {
		p := src.Value
		if !filepath.IsAbs(p) {
			p = filepath.Join(b.opts.Context, p)
		}
		return b.engine.ImportImage(ctx, p, b.opts.Platform)
	}
	return b.engine.PullImage(ctx, src.Value, b.opts.Platform)
}

// Reports whether the stage's current key has a usable cached image, and if
// so moves the stage state to it. Entries whose image is gone from the
// engine are dropped.
func (b *builder) lookup(ctx context.Context, res *stageResult) bool {
	if b.opts.Cache == nil || res.ctr != nil {
		return false
	}

	entry, ok := b.opts.Cache.Lookup(res.key)
	if !ok {
		return false
	}

	if _, err := b.engine.LookupImage(ctx, entry.Tag); err != nil {
		slog.Debug("dropping stale cache entry", "key", res.key, "tag", entry.Tag, "error", err)
		b.opts.Cache.Delete(res.key)
		return false
	}

	res.tag = entry.Tag
	return true
}

// Executes one operation and, with the cache enabled, commits the result
// under the step's cache tag.
func (b *builder) runStep(ctx context.Context, res *stageResult, step recipe.Step, resolved *stepState, sealed bool) error {
	ctr, err := b.container(ctx, res)
	if err != nil {
		return err
	}

	slog.Info("running step", "stage", res.name, "op", describe(step))

	if err := b.executeOperation(ctx, ctr, step, resolved); err != nil {
		return err
	}
	b.executed++

	if b.opts.Cache == nil {
		return nil
	}

	tag := cache.Tag(b.opts.Resource, res.key)
	opts := runtime.CommitOptions{
		Epoch:   b.opts.Epoch,
		Comment: describe(step),
	}
	if sealed {
		opts.Entrypoint = b.opts.Entrypoint
	}

	if _, err := ctr.Commit(ctx, tag, opts); err != nil {
		return err
	}

	b.opts.Cache.Put(res.key, cache.Entry{
		Tag:     tag,
		Stage:   res.name,
		Created: time.Now().UTC(),
	})

	res.ctr = nil
	res.tag = tag
	ctr.Destroy(ctx)

	return nil
}

// Stores the final stage under the output tag and returns its digest.
//
// With the cache enabled the last committed step image already carries the
// entrypoint and is tagged directly. Otherwise the stage container is
// stopped and committed.
func (b *builder) finish(ctx context.Context, res *stageResult, sealed bool) (digest.Digest, error) {
	if b.opts.Cache != nil && sealed {
		img, err := b.engine.TagImage(ctx, res.tag, b.opts.Tag)
		if err != nil {
			return "", err
		}
		return img.Digest, nil
	}

	ctr, err := b.container(ctx, res)
	if err != nil {
		return "", err
	}

	if err := ctr.Stop(ctx); err != nil {
		return "", err
	}

	desc, err := ctr.Commit(ctx, b.opts.Tag, runtime.CommitOptions{
		Entrypoint: b.opts.Entrypoint,
		Epoch:      b.opts.Epoch,
		Comment:    "stage " + res.name,
	})
	if err != nil {
		return "", err
	}
	return desc.Digest, nil
}

// Returns the stage's live container, starting one from the stage's current
// image if needed.
func (b *builder) container(ctx context.Context, res *stageResult) (Container, error) {
	if res.ctr != nil {
		return res.ctr, nil
	}

	ctr, err := b.engine.StartContainer(ctx, res.tag, b.containerID(res.name), b.opts.Platform)
	if err != nil {
		return nil, err
	}

	res.ctr = ctr
	return ctr, nil
}

// Destroys all live stage containers.
func (b *builder) destroyContainers(ctx context.Context) {
	for _, res := range b.order {
		if res.ctr != nil {
			res.ctr.Destroy(ctx)
			res.ctr = nil
		}
	}
}

// Returns a container ID for a stage, scoped to this resource and platform.
func (b *builder) containerID(stage string) string {
	return fmt.Sprintf("%s-%s-stage-%s", b.opts.Resource, platformSlug(b.opts.Platform), stage)
}

// Converts a platform string to a filesystem-safe slug.
//
// Replaces slashes with dashes (e.g., "linux/amd64" becomes "linux-amd64").
func platformSlug(platform string) string {
	return strings.ReplaceAll(platform, "/", "-")
}

// Returns the index of the last operation in steps, or -1.
func lastOperation(steps []recipe.Step) int {
	for i := len(steps) - 1; i >= 0; i-- {
		if steps[i].IsOperation() {
			return i
		}
	}
	return -1
}

func hasOperation(steps []recipe.Step) bool {
	return lastOperation(steps) >= 0
}

// Short human-readable label for an operation.
func describe(step recipe.Step) string {
	if step.Run != "" {
		return "run " + step.Run
	}
	return "copy " + step.Copy
}
