package config

import (
	"fmt"
	"path"
	"strings"

	"github.com/containerd/platforms"
	"github.com/distribution/reference"
	"github.com/klauspost/compress/gzip"
)

// Checks the merged configuration for values the pipeline cannot act on.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Image.Name) == "" {
		return fmt.Errorf("%w: image.name is empty", ErrInvalid)
	}
	if _, err := reference.ParseNormalizedNamed(c.Image.Tag); err != nil {
		return fmt.Errorf("%w: image.tag %q: %w", ErrInvalid, c.Image.Tag, err)
	}
	if c.Image.Platform != "" {
		if _, err := platforms.Parse(c.Image.Platform); err != nil {
			return fmt.Errorf("%w: image.platform %q: %w", ErrInvalid, c.Image.Platform, err)
		}
	}
	if c.Image.SourceDateEpoch < 0 {
		return fmt.Errorf("%w: image.source-date-epoch must not be negative", ErrInvalid)
	}

	if c.Builder.From == "" || c.Runtime.From == "" {
		return fmt.Errorf("%w: builder.from and runtime.from are required", ErrInvalid)
	}
	if c.Builder.Command == "" {
		return fmt.Errorf("%w: builder.command is empty", ErrInvalid)
	}
	if c.Builder.Source == "" {
		return fmt.Errorf("%w: builder.source is empty", ErrInvalid)
	}
	if !path.IsAbs(c.Builder.Workdir) {
		return fmt.Errorf("%w: builder.workdir %q must be absolute", ErrInvalid, c.Builder.Workdir)
	}
	if c.Builder.Artifact == "" || path.IsAbs(c.Builder.Artifact) {
		return fmt.Errorf("%w: builder.artifact %q must be relative to the workdir", ErrInvalid, c.Builder.Artifact)
	}
	if !path.IsAbs(c.Runtime.Binary) {
		return fmt.Errorf("%w: runtime.binary %q must be absolute", ErrInvalid, c.Runtime.Binary)
	}
	if strings.HasPrefix(path.Clean(c.Runtime.Binary)+"/", path.Clean(c.Builder.Workdir)+"/") {
		return fmt.Errorf("%w: runtime.binary %q is inside builder.workdir", ErrInvalid, c.Runtime.Binary)
	}

	if c.Output.Path == "" {
		return fmt.Errorf("%w: output.path is empty", ErrInvalid)
	}
	if l := c.Output.CompressionLevel; l < gzip.HuffmanOnly || l > gzip.BestCompression {
		return fmt.Errorf("%w: output.compression-level %d out of range", ErrInvalid, l)
	}

	if c.Containerd.Address == "" || c.Containerd.Namespace == "" {
		return fmt.Errorf("%w: containerd.address and containerd.namespace are required", ErrInvalid)
	}

	return nil
}

// Returns the full path of the compiled binary inside the builder stage.
func (c *Config) ArtifactPath() string {
	return path.Join(c.Builder.Workdir, c.Builder.Artifact)
}
