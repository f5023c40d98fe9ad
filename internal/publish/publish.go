package publish

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/containerd/errdefs"
	"github.com/cruciblehq/crate/internal/paths"
	"github.com/cruciblehq/crate/internal/runtime"
	"github.com/dustin/go-humanize"
	"github.com/gofrs/flock"
	"github.com/google/renameio/v2"
	"github.com/klauspost/compress/gzip"
	"github.com/opencontainers/go-digest"
)

// Writes an image as a tar stream.
//
// Implemented by [runtime.Runtime].
type Exporter interface {
	ExportImage(ctx context.Context, w io.Writer, tag, platform string) error
}

// Controls archive publication.
type Options struct {
	Path     string // Destination file. Its directory must already exist.
	Tag      string // Engine tag of the image to export.
	Platform string // Platform to export.
	Level    int    // Gzip level, from gzip.HuffmanOnly to gzip.BestCompression.
	LockPath string // Lock file guarding Path. Empty disables locking.
}

// Describes a published archive.
type Result struct {
	Path   string        // Absolute path of the archive.
	Size   int64         // Compressed size in bytes.
	Digest digest.Digest // SHA-256 of the compressed file.
}

// Exports the image and atomically replaces the archive at opts.Path.
//
// The destination directory is never created. A concurrent publish to the
// same path fails with [ErrBusy] rather than waiting. On any failure the
// pending file is removed and whatever was at opts.Path before is left as
// it was.
func Publish(ctx context.Context, exp Exporter, opts Options) (*Result, error) {
	dest, err := filepath.Abs(opts.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPublish, err)
	}

	if err := CheckOutput(dest); err != nil {
		return nil, err
	}

	if opts.LockPath != "" {
		unlock, err := Lock(opts.LockPath, dest)
		if err != nil {
			return nil, err
		}
		defer unlock()
	}

	slog.Info("publishing image", "tag", opts.Tag, "platform", opts.Platform, "path", dest)

	pending, err := renameio.NewPendingFile(dest,
		renameio.WithTempDir(filepath.Dir(dest)),
		renameio.WithPermissions(paths.DefaultFileMode),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrOutputDir, err)
	}
	defer pending.Cleanup()

	size, dgst, err := compress(ctx, pending, exp, opts)
	if err != nil {
		return nil, err
	}

	if err := pending.CloseAtomicallyReplace(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPublish, err)
	}

	slog.Info("archive published",
		"path", dest,
		"size", humanize.IBytes(uint64(size)),
		"digest", dgst,
	)

	return &Result{Path: dest, Size: size, Digest: dgst}, nil
}

// Streams the export through gzip into w, returning the compressed size and
// digest.
func compress(ctx context.Context, w io.Writer, exp Exporter, opts Options) (int64, digest.Digest, error) {
	digester := digest.Canonical.Digester()
	counter := &countingWriter{w: io.MultiWriter(w, digester.Hash())}

	zw, err := gzip.NewWriterLevel(counter, opts.Level)
	if err != nil {
		return 0, "", fmt.Errorf("%w: %w", ErrPublish, err)
	}

	if err := exp.ExportImage(ctx, zw, opts.Tag, opts.Platform); err != nil {
		if errors.Is(err, runtime.ErrImageNotFound) || errdefs.IsNotFound(err) {
			return 0, "", fmt.Errorf("%w: %s: %w", ErrImageNotFound, opts.Tag, err)
		}
		return 0, "", fmt.Errorf("%w: export %s: %w", ErrPublish, opts.Tag, err)
	}

	if err := zw.Close(); err != nil {
		return 0, "", fmt.Errorf("%w: %w", ErrPublish, err)
	}

	return counter.n, digester.Digest(), nil
}

// Checks that the directory an archive would be written to exists. Lets a
// caller fail before doing the work that produces the image.
func CheckOutput(path string) error {
	dest, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrOutputDir, err)
	}
	return checkDir(filepath.Dir(dest))
}

// Checks that dir exists and is a directory.
func checkDir(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrOutputDir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: %s is not a directory", ErrOutputDir, dir)
	}
	return nil
}

// Takes the lock guarding dest without waiting. Returns a function releasing
// it. Fails with [ErrBusy] when another process holds the lock.
func Lock(lockPath, dest string) (func(), error) {
	if err := os.MkdirAll(filepath.Dir(lockPath), paths.DefaultDirMode); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPublish, err)
	}

	lock := flock.New(lockPath)
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPublish, err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: %s", ErrBusy, dest)
	}

	return func() {
		if err := lock.Unlock(); err != nil {
			slog.Warn("failed to release output lock", "path", lockPath, "error", err)
		}
	}, nil
}

// Counts bytes written through it.
type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
