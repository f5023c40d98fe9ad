package build

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/cruciblehq/crate/internal/recipe"
)

// Executes a copy operation, transferring files into the container.
//
// The copy string has the format "src dest" for host copies, or "stage:src
// dest" for cross-stage copies. Host sources are resolved relative to the
// build context and may not leave it. Cross-stage sources are read from the
// named stage's filesystem. In both cases the copied file or directory ends
// up at exactly dest.
func (b *builder) executeCopy(ctx context.Context, ctr Container, step recipe.Step, workdir string) error {
	fail := copyFailure(step.Kind)

	src, dest, err := recipe.ParseCopy(step.Copy, workdir)
	if err != nil {
		return fmt.Errorf("%w: %w", fail, err)
	}

	if err := ctr.MkdirAll(ctx, path.Dir(dest)); err != nil {
		return fmt.Errorf("%w: %w", fail, err)
	}

	if stage, p, ok := recipe.ParseStageCopy(src); ok {
		if err := b.copyFromStage(ctx, ctr, stage, p, dest); err != nil {
			return fmt.Errorf("%w: %s from stage %q: %w", fail, p, stage, err)
		}
		return nil
	}

	if err := b.copyFromHost(ctx, ctr, src, dest); err != nil {
		return fmt.Errorf("%w: %s: %w", fail, src, err)
	}
	return nil
}

// Resolves a build context path, rejecting paths that leave the context.
func (b *builder) hostPath(src string) (string, error) {
	local := filepath.FromSlash(src)
	if !filepath.IsLocal(local) {
		return "", fmt.Errorf("%q is outside the build context", src)
	}
	return filepath.Join(b.opts.Context, local), nil
}

// Copies a file or directory from the build context into the container.
//
// The tar stream is produced on the fly and piped into the container.
func (b *builder) copyFromHost(ctx context.Context, ctr Container, src, dest string) error {
	hostPath, err := b.hostPath(src)
	if err != nil {
		return err
	}

	info, err := os.Stat(hostPath)
	if err != nil {
		return err
	}

	slog.Debug("copy", "src", hostPath, "dest", dest, "dir", info.IsDir())

	pr, pw := io.Pipe()

	errc := make(chan error, 1)
	go func() {
		err := writeTar(pw, hostPath, path.Base(dest), info)
		pw.CloseWithError(err)
		errc <- err
	}()

	copyErr := ctr.CopyTo(ctx, pr, path.Dir(dest))
	pr.CloseWithError(errCopyAborted)

	return pipeResult(<-errc, copyErr)
}

// Copies a path from a named stage into the target container.
//
// The source stage's tar stream is renamed in flight so the copied root lands
// at dest rather than under its original base name.
func (b *builder) copyFromStage(ctx context.Context, ctr Container, stage, p, dest string) error {
	res, ok := b.stages[stage]
	if !ok {
		return fmt.Errorf("unknown stage %q", stage)
	}

	srcCtr, err := b.container(ctx, res)
	if err != nil {
		return err
	}

	slog.Debug("cross-stage copy", "stage", stage, "src", p, "dest", dest)

	archived, archiveW := io.Pipe()
	renamed, renamedW := io.Pipe()

	srcErr := make(chan error, 1)
	go func() {
		err := srcCtr.CopyFrom(ctx, archiveW, p)
		archiveW.CloseWithError(err)
		srcErr <- err
	}()

	renameErr := make(chan error, 1)
	go func() {
		err := renameTarRoot(renamedW, archived, path.Base(p), path.Base(dest))
		renamedW.CloseWithError(err)
		archived.CloseWithError(errCopyAborted)
		renameErr <- err
	}()

	copyErr := ctr.CopyTo(ctx, renamed, path.Dir(dest))
	renamed.CloseWithError(errCopyAborted)

	sErr := <-srcErr
	rErr := <-renameErr

	switch {
	case copyErr != nil && errors.Is(rErr, errCopyAborted):
		return copyErr
	case sErr != nil:
		return sErr
	default:
		return pipeResult(rErr, copyErr)
	}
}

// Returned to a tar producer when its consumer stopped reading.
var errCopyAborted = errors.New("copy aborted")

// Picks the error to report from the two ends of a copy pipe. The producer's
// error explains a consumer failure better than a broken pipe does.
func pipeResult(srcErr, copyErr error) error {
	if srcErr != nil && !errors.Is(srcErr, errCopyAborted) {
		return srcErr
	}
	return copyErr
}

// Writes a file or directory tree to w as a tar stream rooted at name.
//
// Ownership is reset to root so host user IDs never reach the image.
func writeTar(w io.Writer, hostPath, name string, info os.FileInfo) error {
	tw := tar.NewWriter(w)

	var err error
	if info.IsDir() {
		err = writeDirToTar(tw, hostPath, name)
	} else {
		err = writeTarEntry(tw, hostPath, name, info)
	}
	if err != nil {
		return err
	}

	return tw.Close()
}

// Writes a directory tree to a tar writer rooted at the given archive prefix.
func writeDirToTar(tw *tar.Writer, hostDir, prefix string) error {
	return filepath.WalkDir(hostDir, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}

		relPath, err := filepath.Rel(hostDir, p)
		if err != nil {
			return err
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		return writeTarEntry(tw, p, path.Join(prefix, filepath.ToSlash(relPath)), info)
	})
}

// Writes a single file, directory, or symlink entry to a tar writer.
func writeTarEntry(tw *tar.Writer, hostPath, archivePath string, info os.FileInfo) error {
	var link string
	if info.Mode()&os.ModeSymlink != 0 {
		target, err := os.Readlink(hostPath)
		if err != nil {
			return err
		}
		link = target
	}

	header, err := tar.FileInfoHeader(info, link)
	if err != nil {
		return err
	}
	header.Name = archivePath
	if info.IsDir() {
		header.Name += "/"
	}
	header.Uid, header.Gid = 0, 0
	header.Uname, header.Gname = "", ""

	if err := tw.WriteHeader(header); err != nil {
		return err
	}

	if !info.Mode().IsRegular() {
		return nil
	}

	f, err := os.Open(hostPath)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = io.Copy(tw, f)
	return err
}

// Copies a tar stream from r to w, renaming the root entry from to to.
//
// Entries under from/ are moved under to/. Entries outside from are an
// error, since a single-path archive never contains them.
func renameTarRoot(w io.Writer, r io.Reader, from, to string) error {
	tr := tar.NewReader(r)
	tw := tar.NewWriter(w)

	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}

		name, ok := rerootName(header.Name, from, to)
		if !ok {
			return fmt.Errorf("unexpected entry %q in archive of %q", header.Name, from)
		}
		header.Name = name

		if err := tw.WriteHeader(header); err != nil {
			return err
		}
		if _, err := io.Copy(tw, tr); err != nil {
			return err
		}
	}

	if err := tw.Close(); err != nil {
		return err
	}

	// Drain record padding so the producer is not cut off mid-write.
	_, err := io.Copy(io.Discard, r)
	return err
}

// Rewrites an archive entry name whose first component is from.
func rerootName(name, from, to string) (string, bool) {
	trimmed := strings.TrimPrefix(name, "./")
	if trimmed == from || trimmed == from+"/" {
		return to + strings.TrimPrefix(trimmed, from), true
	}
	if rest, ok := strings.CutPrefix(trimmed, from+"/"); ok {
		return to + "/" + rest, true
	}
	return "", false
}
