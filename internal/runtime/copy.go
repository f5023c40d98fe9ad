package runtime

import (
	"context"
	"fmt"
	"io"
	"path"
)

// Creates a directory inside the container, including parents.
func (c *Container) MkdirAll(ctx context.Context, dir string) error {
	return c.mustExec(ctx, "mkdir", nil, nil, "mkdir", "-p", dir)
}

// Copies a tar stream into the container's filesystem.
//
// The contents of r are extracted into destDir by piping them to "tar xf - -C
// destDir" inside the container.
func (c *Container) CopyTo(ctx context.Context, r io.Reader, destDir string) error {
	return c.mustExec(ctx, "tar extract", r, nil, "tar", "xf", "-", "-C", destDir)
}

// Copies a path from the container's filesystem as a tar stream.
//
// The file or directory at p is archived by running "tar cf - -C <dir>
// <base>" inside the container and streaming the output to w. A missing
// path surfaces as an [ExitError].
func (c *Container) CopyFrom(ctx context.Context, w io.Writer, p string) error {
	return c.mustExec(ctx, "tar archive", nil, w, "tar", "cf", "-", "-C", path.Dir(p), path.Base(p))
}

// Runs a command inside the container and turns a non-zero exit into an
// [ExitError] described by desc.
func (c *Container) mustExec(ctx context.Context, desc string, stdin io.Reader, stdout io.Writer, args ...string) error {
	exitCode, stderr, err := c.execCommand(ctx, stdin, stdout, nil, "", args...)
	if err != nil {
		return err
	}
	if exitCode != 0 {
		return fmt.Errorf("%w: %w", ErrRuntime, &ExitError{Desc: desc, Code: exitCode, Stderr: stderr})
	}
	return nil
}
