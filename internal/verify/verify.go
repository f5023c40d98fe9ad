// Package verify inspects a published image archive.
//
// The archive is loaded the way a registry client would load it, the layer
// stack is flattened, and the result is checked against what the runtime
// image is supposed to hold: the binary at its configured path, nothing from
// the builder's working tree, and an entrypoint naming the binary.
package verify

import (
	"archive/tar"
	"fmt"
	"io"
	"os"
	"path"
	"slices"
	"strings"

	"github.com/google/go-containerregistry/pkg/v1/mutate"
	"github.com/google/go-containerregistry/pkg/v1/tarball"
	"github.com/klauspost/compress/gzip"
)

// What to check.
type Options struct {
	Binary    string   // Absolute path of the runtime binary.
	Forbidden []string // Absolute paths that must not exist in the image.
}

// Summary of a verified archive.
type Report struct {
	Config     string   // Image config digest.
	Layers     int      // Number of layers.
	Files      int      // Entries in the flattened filesystem.
	BinarySize int64    // Size of the runtime binary.
	Entrypoint []string // Configured entrypoint.
}

// Loads the gzip-compressed archive at p and checks it.
func Verify(p string, opts Options) (*Report, error) {
	img, err := tarball.Image(gzipOpener(p), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrArchive, p, err)
	}

	cfg, err := img.ConfigFile()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrArchive, err)
	}
	name, err := img.ConfigName()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrArchive, err)
	}
	layers, err := img.Layers()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrArchive, err)
	}

	report := &Report{
		Config:     name.String(),
		Layers:     len(layers),
		Entrypoint: cfg.Config.Entrypoint,
	}

	if !slices.Equal(cfg.Config.Entrypoint, []string{opts.Binary}) {
		return report, fmt.Errorf("%w: entrypoint is %q, want [%q]", ErrEntrypoint, cfg.Config.Entrypoint, opts.Binary)
	}

	rc := mutate.Extract(img)
	defer rc.Close()

	if err := checkFilesystem(rc, opts, report); err != nil {
		return report, err
	}

	return report, nil
}

// Walks a flattened filesystem stream, counting entries and checking the
// binary and forbidden paths.
func checkFilesystem(r io.Reader, opts Options, report *Report) error {
	binary := relative(opts.Binary)
	var forbidden []string
	for _, f := range opts.Forbidden {
		if rel := relative(f); rel != "" {
			forbidden = append(forbidden, rel)
		}
	}

	found := false
	tr := tar.NewReader(r)
	for {
		h, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("%w: %w", ErrArchive, err)
		}
		report.Files++

		name := relative(h.Name)
		for _, f := range forbidden {
			if within(name, f) {
				return fmt.Errorf("%w: %s is present", ErrContainment, "/"+name)
			}
		}

		if name != binary {
			continue
		}
		if h.Typeflag != tar.TypeReg {
			return fmt.Errorf("%w: %s is not a regular file", ErrContainment, opts.Binary)
		}
		if h.Mode&0o111 == 0 {
			return fmt.Errorf("%w: %s is not executable", ErrContainment, opts.Binary)
		}
		found = true
		report.BinarySize = h.Size
	}

	if !found {
		return fmt.Errorf("%w: %s is missing", ErrContainment, opts.Binary)
	}
	return nil
}

// Strips leading "./" and "/" and trailing slashes from an archive path.
func relative(p string) string {
	p = path.Clean("/" + strings.TrimPrefix(p, "./"))
	return strings.TrimPrefix(p, "/")
}

// Reports whether name is dir or lies below it.
func within(name, dir string) bool {
	return name == dir || strings.HasPrefix(name, dir+"/")
}

// Returns an opener decompressing the archive at p.
func gzipOpener(p string) tarball.Opener {
	return func() (io.ReadCloser, error) {
		f, err := os.Open(p)
		if err != nil {
			return nil, err
		}
		zr, err := gzip.NewReader(f)
		if err != nil {
			f.Close()
			return nil, err
		}
		return &gzipFile{Reader: zr, f: f}, nil
	}
}

// Closes both the gzip stream and the underlying file.
type gzipFile struct {
	*gzip.Reader
	f *os.File
}

func (g *gzipFile) Close() error {
	zerr := g.Reader.Close()
	ferr := g.f.Close()
	if zerr != nil {
		return zerr
	}
	return ferr
}
