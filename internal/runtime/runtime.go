package runtime

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	goruntime "runtime"
	"syscall"

	containerd "github.com/containerd/containerd/v2/client"
	"github.com/containerd/containerd/v2/core/images"
	"github.com/containerd/containerd/v2/core/images/archive"
	"github.com/containerd/errdefs"
	"github.com/containerd/platforms"
	"github.com/distribution/reference"
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

const (

	// Default snapshotter for container filesystems.
	DefaultSnapshotter = "overlayfs"

	// OCI runtime shim for running containers.
	ociRuntime = "io.containerd.runc.v2"
)

// Engine connection settings.
type Options struct {
	Address     string // Containerd socket address.
	Namespace   string // Containerd namespace scoping images and containers.
	Snapshotter string // Snapshotter name. Empty uses [DefaultSnapshotter].
}

// A base image available in the engine.
type Image struct {
	Name   string        // Tag the image is stored under.
	Digest digest.Digest // Digest of the image's root descriptor.
}

// Manages the containerd client and provides image and container operations.
type Runtime struct {
	client      *containerd.Client // Containerd client for managing containers and images.
	snapshotter string             // Snapshotter used for unpacking and containers.
}

// Creates a runtime connected to the containerd socket.
//
// The runtime must be closed when no longer needed.
func New(opts Options) (*Runtime, error) {
	client, err := containerd.New(opts.Address, containerd.WithDefaultNamespace(opts.Namespace))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRuntime, err)
	}

	snapshotter := opts.Snapshotter
	if snapshotter == "" {
		snapshotter = DefaultSnapshotter
	}

	return &Runtime{client: client, snapshotter: snapshotter}, nil
}

// Closes the containerd client connection.
func (rt *Runtime) Close() error {
	return rt.client.Close()
}

// Pulls a base image from its registry and unpacks it for the platform.
//
// The reference is normalized first ("debian:bookworm-slim" becomes
// "docker.io/library/debian:bookworm-slim"). Only the manifest for the
// requested platform is fetched. The returned digest identifies exactly
// which content the mutable tag resolved to.
func (rt *Runtime) PullImage(ctx context.Context, ref, platform string) (Image, error) {
	name, err := NormalizeRef(ref)
	if err != nil {
		return Image{}, fmt.Errorf("%w: %w", ErrRuntime, err)
	}

	img, err := rt.client.Pull(ctx, name,
		containerd.WithPlatform(platform),
		containerd.WithPullUnpack,
		containerd.WithPullSnapshotter(rt.snapshotter),
	)
	if err != nil {
		return Image{}, fmt.Errorf("%w: pull %s: %w", ErrRuntime, name, err)
	}

	slog.Debug("image pulled", "ref", name, "digest", img.Target().Digest)
	return Image{Name: name, Digest: img.Target().Digest}, nil
}

// Imports an OCI archive, tags it under a deterministic name derived from
// the path, and unpacks it for the platform.
func (rt *Runtime) ImportImage(ctx context.Context, path, platform string) (Image, error) {
	tag := importTag(path)

	source, err := rt.importArchive(ctx, path)
	if err != nil {
		return Image{}, fmt.Errorf("%w: %w", ErrRuntime, err)
	}

	if err := putImage(ctx, rt.client.ImageService(), tag, source.Target); err != nil {
		return Image{}, fmt.Errorf("%w: %w", ErrRuntime, err)
	}
	if source.Name != tag {
		_ = rt.client.ImageService().Delete(ctx, source.Name)
	}

	if err := rt.unpackImage(ctx, tag, platform); err != nil {
		return Image{}, fmt.Errorf("%w: %w", ErrRuntime, err)
	}

	slog.Debug("image imported", "path", path, "tag", tag)
	return Image{Name: tag, Digest: source.Target.Digest}, nil
}

// Returns the image stored under tag.
//
// Returns [ErrImageNotFound] when no such image exists.
func (rt *Runtime) LookupImage(ctx context.Context, tag string) (Image, error) {
	img, err := rt.client.ImageService().Get(ctx, tag)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return Image{}, fmt.Errorf("%w: %s", ErrImageNotFound, tag)
		}
		return Image{}, fmt.Errorf("%w: %w", ErrRuntime, err)
	}
	return Image{Name: img.Name, Digest: img.Target.Digest}, nil
}

// Records the image stored under source under tag as well.
//
// Returns [ErrImageNotFound] when source does not exist.
func (rt *Runtime) TagImage(ctx context.Context, source, tag string) (Image, error) {
	is := rt.client.ImageService()

	img, err := is.Get(ctx, source)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return Image{}, fmt.Errorf("%w: %s", ErrImageNotFound, source)
		}
		return Image{}, fmt.Errorf("%w: %w", ErrRuntime, err)
	}

	if err := putImage(ctx, is, tag, img.Target); err != nil {
		return Image{}, fmt.Errorf("%w: %w", ErrRuntime, err)
	}

	slog.Debug("image tagged", "source", source, "tag", tag)
	return Image{Name: tag, Digest: img.Target.Digest}, nil
}

// Starts a container from a tagged image.
//
// The image's layers are unpacked for the platform if needed, any stale
// container with the same ID is removed, and a long-running task is started
// so that subsequent Exec calls have a process to attach to. Building for a
// platform other than the host requires QEMU / binfmt_misc support.
func (rt *Runtime) StartContainer(ctx context.Context, tag, id, platform string) (*Container, error) {
	if err := rt.unpackImage(ctx, tag, platform); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRuntime, err)
	}

	c := &Container{
		client:      rt.client,
		snapshotter: rt.snapshotter,
		id:          id,
		platform:    platform,
	}

	c.remove(ctx)

	image, err := rt.resolveImage(ctx, tag, platform)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRuntime, err)
	}

	ctr, err := c.create(ctx, image)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRuntime, err)
	}

	if err := c.startTask(ctx, ctr); err != nil {
		ctr.Delete(ctx, containerd.WithSnapshotCleanup)
		return nil, fmt.Errorf("%w: %w", ErrRuntime, err)
	}

	slog.Debug("container started", "id", id, "image", tag)
	return c, nil
}

// Writes the image stored under tag to w as an OCI archive.
//
// The archive also carries a docker-compatible manifest.json, so both
// "docker load" and OCI tooling can read it. Only the manifest for the
// given platform is included. Returns [ErrImageNotFound] when the tag does
// not exist.
func (rt *Runtime) ExportImage(ctx context.Context, w io.Writer, tag, platform string) error {
	if _, err := rt.LookupImage(ctx, tag); err != nil {
		return err
	}

	p, err := platforms.Parse(platform)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrRuntime, err)
	}

	err = rt.client.Export(ctx, w,
		archive.WithImage(rt.client.ImageService(), tag),
		archive.WithPlatform(platforms.OnlyStrict(p)),
	)
	if err != nil {
		return fmt.Errorf("%w: export %s: %w", ErrRuntime, tag, err)
	}
	return nil
}

// Removes an image and all containers created from it.
//
// Containers are discovered by querying containerd for records whose image
// field matches the tag. Removing an image that does not exist is not an
// error.
func (rt *Runtime) RemoveImage(ctx context.Context, tag string) error {
	ctrs, err := rt.client.Containers(ctx, fmt.Sprintf("image==%s", tag))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrRuntime, err)
	}

	for _, ctr := range ctrs {
		if task, taskErr := ctr.Task(ctx, nil); taskErr == nil {
			task.Kill(ctx, syscall.SIGKILL)
			task.Delete(ctx, containerd.WithProcessKill)
		}
		if err := ctr.Delete(ctx, containerd.WithSnapshotCleanup); err != nil && !errdefs.IsNotFound(err) {
			return fmt.Errorf("%w: %w", ErrRuntime, err)
		}
	}

	if err := rt.client.ImageService().Delete(ctx, tag); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("%w: %w", ErrRuntime, err)
	}

	slog.Debug("image removed", "tag", tag)
	return nil
}

// Imports an OCI archive into the content store.
//
// The archive must contain exactly one image. Multi-platform archives (one
// index with per-platform manifests) count as one image.
func (rt *Runtime) importArchive(ctx context.Context, path string) (images.Image, error) {
	fh, err := os.Open(path)
	if err != nil {
		return images.Image{}, err
	}
	defer fh.Close()

	imported, err := rt.client.Import(ctx, fh)
	if err != nil {
		return images.Image{}, err
	}

	if len(imported) == 0 {
		return images.Image{}, ErrEmptyArchive
	} else if len(imported) > 1 {
		return images.Image{}, ErrMultipleImages
	}

	return imported[0], nil
}

// Unpacks the image layers for the target platform into the snapshotter.
// Already unpacked layers are skipped by containerd.
func (rt *Runtime) unpackImage(ctx context.Context, tag, platform string) error {
	image, err := rt.resolveImage(ctx, tag, platform)
	if err != nil {
		return err
	}

	return image.Unpack(ctx, rt.snapshotter)
}

// Looks up a tagged image and selects the manifest for the given platform.
func (rt *Runtime) resolveImage(ctx context.Context, tag, platform string) (containerd.Image, error) {
	p, err := platforms.Parse(platform)
	if err != nil {
		return nil, err
	}

	img, err := rt.client.ImageService().Get(ctx, tag)
	if err != nil {
		return nil, err
	}

	return containerd.NewImageWithPlatform(rt.client, img, platforms.Only(p)), nil
}

// Points the image record name at target, creating or updating it.
func putImage(ctx context.Context, is images.Store, name string, target ocispec.Descriptor) error {
	img := images.Image{
		Name:   name,
		Target: target,
	}

	if _, err := is.Create(ctx, img); err != nil {
		if !errdefs.IsAlreadyExists(err) {
			return err
		}
		if _, err := is.Update(ctx, img, "target"); err != nil {
			return err
		}
	}
	return nil
}

// Normalizes an image reference to its fully qualified form, adding the
// default registry, the library namespace, and the "latest" tag as needed.
func NormalizeRef(ref string) (string, error) {
	named, err := reference.ParseNormalizedNamed(ref)
	if err != nil {
		return "", err
	}
	return reference.TagNameOnly(named).String(), nil
}

// Produces a containerd image tag from an archive path.
//
// The path is hashed so the tag is a valid reference regardless of which
// characters the path contains.
func importTag(path string) string {
	h := sha256.Sum256([]byte(path))
	return fmt.Sprintf("import/%s:latest", hex.EncodeToString(h[:]))
}

// Returns the default OCI platform for the host architecture.
func DefaultPlatform() string {
	return "linux/" + goruntime.GOARCH
}
