package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/containerd/containerd/v2/core/containers"
	"github.com/containerd/containerd/v2/core/content"
	"github.com/containerd/containerd/v2/core/diff"
	"github.com/containerd/containerd/v2/core/images"
	"github.com/containerd/containerd/v2/pkg/rootfs"
	"github.com/containerd/platforms"
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// Value recorded as the creator of committed layers in the image history.
const historyCreatedBy = "crate"

// Controls how a container's filesystem is committed.
type CommitOptions struct {
	Entrypoint []string   // Replaces the image entrypoint and clears Cmd when non-empty.
	Epoch      *time.Time // Pins layer entry times and the config creation time.
	Comment    string     // Recorded in the history entry for the new layer.
}

// Commits the container's filesystem changes as a new image stored under tag.
//
// The diff between the container's snapshot and its parent becomes one new
// layer on top of the container's image. The manifest and config are
// rewritten with the extra layer and written to the content store, and the
// image record for tag is created or moved to the new manifest. When the
// container's image is a multi-platform index, the result is a plain
// manifest for the container's platform. A content lease protects the new
// blobs from garbage collection until the image record references them.
//
// The container may be running; callers should not have steps in flight.
func (c *Container) Commit(ctx context.Context, tag string, opts CommitOptions) (ocispec.Descriptor, error) {
	ctx, done, err := c.client.WithLease(ctx)
	if err != nil {
		return ocispec.Descriptor{}, fmt.Errorf("%w: %w", ErrRuntime, err)
	}
	defer done(context.Background())

	loaded, err := c.client.LoadContainer(ctx, c.id)
	if err != nil {
		return ocispec.Descriptor{}, fmt.Errorf("%w: %w", ErrRuntime, err)
	}

	info, err := loaded.Info(ctx)
	if err != nil {
		return ocispec.Descriptor{}, fmt.Errorf("%w: %w", ErrRuntime, err)
	}

	layer, diffID, err := c.snapshotDiff(ctx, info, opts.Epoch)
	if err != nil {
		return ocispec.Descriptor{}, fmt.Errorf("%w: %w", ErrRuntime, err)
	}

	target, err := c.buildCommitTarget(ctx, info.Image, func(manifest *ocispec.Manifest, config *ocispec.Image) {
		manifest.Layers = append(manifest.Layers, layer)
		config.RootFS.DiffIDs = append(config.RootFS.DiffIDs, diffID)
		applyCommitOptions(config, opts)
	})
	if err != nil {
		return ocispec.Descriptor{}, fmt.Errorf("%w: %w", ErrRuntime, err)
	}

	if err := putImage(ctx, c.client.ImageService(), tag, target); err != nil {
		return ocispec.Descriptor{}, fmt.Errorf("%w: %w", ErrRuntime, err)
	}

	slog.Debug("container committed", "id", c.id, "tag", tag, "digest", target.Digest)
	return target, nil
}

// Applies entrypoint, creation time, and history to an image config.
func applyCommitOptions(config *ocispec.Image, opts CommitOptions) {
	if len(opts.Entrypoint) > 0 {
		config.Config.Entrypoint = opts.Entrypoint
		config.Config.Cmd = nil
	}

	created := time.Now().UTC()
	if opts.Epoch != nil {
		created = opts.Epoch.UTC()
	}
	config.Created = &created

	config.History = append(config.History, ocispec.History{
		Created:   &created,
		CreatedBy: historyCreatedBy,
		Comment:   opts.Comment,
	})
}

// Computes the diff between the container's snapshot and its parent, returning
// the layer descriptor and its diff ID without modifying the image.
//
// With an epoch, file times newer than the epoch are clamped to it, which
// makes the layer bytes independent of when the step ran.
func (c *Container) snapshotDiff(ctx context.Context, info containers.Container, epoch *time.Time) (ocispec.Descriptor, digest.Digest, error) {
	var opts []diff.Opt
	if epoch != nil {
		opts = append(opts, diff.WithSourceDateEpoch(epoch))
	}

	layer, err := rootfs.CreateDiff(ctx,
		info.SnapshotKey,
		c.client.SnapshotService(info.Snapshotter),
		c.client.DiffService(),
		opts...,
	)
	if err != nil {
		return ocispec.Descriptor{}, "", err
	}

	diffID, err := images.GetDiffID(ctx, c.client.ContentStore(), layer)
	if err != nil {
		return ocispec.Descriptor{}, "", err
	}

	return layer, diffID, nil
}

// Builds the commit target by applying a mutation to the manifest and
// config of the image the container was created from.
//
// The stored record of the source image is never modified; the mutated
// blobs are new content.
func (c *Container) buildCommitTarget(ctx context.Context, imageName string, mutate func(*ocispec.Manifest, *ocispec.Image)) (ocispec.Descriptor, error) {
	img, err := c.client.ImageService().Get(ctx, imageName)
	if err != nil {
		return ocispec.Descriptor{}, err
	}

	target, err := c.resolveManifestDescriptor(ctx, img.Target, imageName)
	if err != nil {
		return ocispec.Descriptor{}, err
	}

	return c.mutateManifest(ctx, target, imageName, mutate)
}

// Resolves the image root descriptor to a platform-specific manifest.
//
// If the root is an OCI Image Index, the entry matching the container's
// platform is selected. Some registries (notably Docker Hub) serve index
// entries without platform metadata; those are matched by reading the
// platform from the image config.
func (c *Container) resolveManifestDescriptor(ctx context.Context, root ocispec.Descriptor, imageName string) (ocispec.Descriptor, error) {
	if !images.IsIndexType(root.MediaType) {
		return root, nil
	}

	idx, err := c.readIndex(ctx, root)
	if err != nil {
		return ocispec.Descriptor{}, err
	}

	p, err := platforms.Parse(c.platform)
	if err != nil {
		return ocispec.Descriptor{}, err
	}

	if i, ok := c.matchManifest(ctx, idx, platforms.OnlyStrict(p)); ok {
		return idx.Manifests[i], nil
	}

	if len(idx.Manifests) == 0 {
		return ocispec.Descriptor{}, fmt.Errorf("%w: %s", ErrEmptyIndex, imageName)
	}
	return idx.Manifests[0], nil
}

// Searches the index for a manifest matching the given platform.
//
// Descriptors with an explicit platform field are checked first, then
// descriptors without one are probed through their image config.
func (c *Container) matchManifest(ctx context.Context, idx ocispec.Index, matcher platforms.MatchComparer) (int, bool) {
	for i, m := range idx.Manifests {
		if m.Platform != nil && matcher.Match(*m.Platform) {
			return i, true
		}
	}
	for i, m := range idx.Manifests {
		if m.Platform != nil || !images.IsManifestType(m.MediaType) {
			continue
		}
		if p, ok := c.configPlatform(ctx, m); ok && matcher.Match(p) {
			return i, true
		}
	}
	return 0, false
}

// Reads the platform declared in the config of a manifest. Returns false
// when the config cannot be read.
func (c *Container) configPlatform(ctx context.Context, desc ocispec.Descriptor) (ocispec.Platform, bool) {
	manifest, err := readJSON[ocispec.Manifest](ctx, c.client.ContentStore(), desc)
	if err != nil {
		return ocispec.Platform{}, false
	}
	config, err := readJSON[ocispec.Image](ctx, c.client.ContentStore(), manifest.Config)
	if err != nil {
		return ocispec.Platform{}, false
	}
	return config.Platform, true
}

// Reads the manifest and config, applies the mutation, and writes the
// updated blobs back to the content store. The returned descriptor carries
// the config's platform.
func (c *Container) mutateManifest(ctx context.Context, target ocispec.Descriptor, imageName string, mutate func(*ocispec.Manifest, *ocispec.Image)) (ocispec.Descriptor, error) {
	cs := c.client.ContentStore()

	manifest, err := readJSON[ocispec.Manifest](ctx, cs, target)
	if err != nil {
		return ocispec.Descriptor{}, err
	}

	config, err := readJSON[ocispec.Image](ctx, cs, manifest.Config)
	if err != nil {
		return ocispec.Descriptor{}, err
	}

	mutate(&manifest, &config)

	newConfigDesc, err := c.writeBlob(ctx, manifest.Config.MediaType, config, imageName+"-config")
	if err != nil {
		return ocispec.Descriptor{}, err
	}
	manifest.Config = newConfigDesc

	desc, err := c.writeBlob(ctx, target.MediaType, manifest, imageName+"-manifest", content.WithLabels(manifestGCLabels(manifest)))
	if err != nil {
		return ocispec.Descriptor{}, err
	}

	platform := config.Platform
	desc.Platform = &platform
	return desc, nil
}

// Loads a JSON document (manifest, index, or config) from the content store.
func readJSON[T any](ctx context.Context, cs content.Provider, desc ocispec.Descriptor) (T, error) {
	var v T
	b, err := content.ReadBlob(ctx, cs, desc)
	if err != nil {
		return v, err
	}
	if err := json.Unmarshal(b, &v); err != nil {
		return v, err
	}
	return v, nil
}

// Loads an OCI image index from the content store.
func (c *Container) readIndex(ctx context.Context, desc ocispec.Descriptor) (ocispec.Index, error) {
	return readJSON[ocispec.Index](ctx, c.client.ContentStore(), desc)
}

// Serializes a value and writes it to the content store, returning the
// descriptor that references the stored blob.
func (c *Container) writeBlob(ctx context.Context, mediaType string, v any, ref string, opts ...content.Opt) (ocispec.Descriptor, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return ocispec.Descriptor{}, err
	}
	desc := ocispec.Descriptor{
		MediaType: mediaType,
		Digest:    digest.FromBytes(b),
		Size:      int64(len(b)),
	}
	if err := content.WriteBlob(ctx, c.client.ContentStore(), ref, bytes.NewReader(b), desc, opts...); err != nil {
		return ocispec.Descriptor{}, err
	}
	return desc, nil
}

// Computes containerd GC reference labels for a manifest's children.
//
// These labels let containerd's garbage collector trace reachability from
// the manifest blob to its config and layer blobs.
func manifestGCLabels(m ocispec.Manifest) map[string]string {
	labels := map[string]string{
		"containerd.io/gc.ref.content.config": m.Config.Digest.String(),
	}
	for i, layer := range m.Layers {
		key := fmt.Sprintf("containerd.io/gc.ref.content.l.%d", i)
		labels[key] = layer.Digest.String()
	}
	return labels
}
