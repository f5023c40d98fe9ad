package cli

import (
	"context"
	"fmt"

	"github.com/cruciblehq/crate/internal/verify"
	"github.com/dustin/go-humanize"
)

// Represents the 'crate verify' command.
type VerifyCmd struct {
	Path string `arg:"" optional:"" help:"Archive to check. Defaults to output.path." type:"path"`
}

// Executes the verify command.
//
// Checks that the archive loads, holds the runtime binary and nothing from
// the builder's working tree, and starts the binary as its entrypoint.
func (c *VerifyCmd) Run(ctx context.Context) error {
	cfg, err := loadConfig(".")
	if err != nil {
		return err
	}

	p := c.Path
	if p == "" {
		p = cfg.Output.Path
	}

	report, err := verify.Verify(p, verify.Options{
		Binary:    cfg.Runtime.Binary,
		Forbidden: []string{cfg.Builder.Workdir},
	})
	if err != nil {
		return err
	}

	fmt.Printf("%s: ok\n", p)
	fmt.Printf("  config:     %s\n", report.Config)
	fmt.Printf("  layers:     %d\n", report.Layers)
	fmt.Printf("  files:      %d\n", report.Files)
	fmt.Printf("  entrypoint: %v\n", report.Entrypoint)
	fmt.Printf("  binary:     %s\n", humanize.IBytes(uint64(report.BinarySize)))
	return nil
}
