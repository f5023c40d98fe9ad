package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cruciblehq/crate/internal/cache"
	"github.com/cruciblehq/crate/internal/paths"
)

// Represents the 'crate cache' command group.
type CacheCmd struct {
	Prune CachePruneCmd `cmd:"" help:"Remove every cached step image and clear the index."`
}

// Represents the 'crate cache prune' command.
type CachePruneCmd struct{}

// Executes the cache prune command.
//
// Images are removed from containerd before their index entries, so an
// interrupted prune leaves entries that the next build detects as stale.
func (c *CachePruneCmd) Run(ctx context.Context) error {
	cfg, err := loadConfig(".")
	if err != nil {
		return err
	}

	idx, err := cache.Open(paths.CacheIndex(cacheDir(cfg)))
	if err != nil {
		return err
	}
	if idx.Len() == 0 {
		fmt.Println("cache is empty")
		return nil
	}

	rt, err := openRuntime(cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	removed := 0
	for _, key := range idx.Keys() {
		entry, ok := idx.Lookup(key)
		if !ok {
			continue
		}
		if err := rt.RemoveImage(ctx, entry.Tag); err != nil {
			slog.Warn("failed to remove cached image", "tag", entry.Tag, "error", err)
			continue
		}
		idx.Delete(key)
		removed++
	}

	if err := idx.Save(); err != nil {
		return err
	}

	fmt.Printf("removed %d cached step image(s)\n", removed)
	return nil
}
