package cli

import (
	"bytes"
	"context"
	"os"

	"github.com/cruciblehq/crate/internal/paths"
	"github.com/cruciblehq/crate/internal/recipe"
	"github.com/google/renameio/v2"
)

// Represents the 'crate dockerfile' command.
type DockerfileCmd struct {
	Output string `short:"o" help:"Write to this file instead of stdout." type:"path" placeholder:"PATH"`
}

// Executes the dockerfile command.
func (c *DockerfileCmd) Run(ctx context.Context) error {
	cfg, err := loadConfig(".")
	if err != nil {
		return err
	}

	r, err := recipe.FromConfig(cfg)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	if err := r.WriteDockerfile(&buf, []string{cfg.Runtime.Binary}); err != nil {
		return err
	}

	if c.Output == "" {
		_, err := os.Stdout.Write(buf.Bytes())
		return err
	}
	return renameio.WriteFile(c.Output, buf.Bytes(), paths.DefaultFileMode)
}
