package build

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/cruciblehq/crate/internal/cache"
	"github.com/cruciblehq/crate/internal/recipe"
	"github.com/cruciblehq/crate/internal/runtime"
)

// Executes a run or copy operation with scoped modifier overrides.
//
// Step-level modifiers override the persistent state for this operation only.
// The persistent state is not modified.
func (b *builder) executeOperation(ctx context.Context, ctr Container, step recipe.Step, resolved *stepState) error {
	if resolved.workdir != "" {
		if err := ctr.MkdirAll(ctx, resolved.workdir); err != nil {
			return err
		}
	}

	switch {
	case step.Run != "":
		return executeRun(ctx, ctr, step, resolved)
	case step.Copy != "":
		return b.executeCopy(ctx, ctr, step, resolved.workdir)
	}

	return nil
}

// Runs a shell command and classifies a non-zero exit by the step's kind.
func executeRun(ctx context.Context, ctr Container, step recipe.Step, resolved *stepState) error {
	slog.Debug("run", "command", step.Run, "shell", resolved.shell, "workdir", resolved.workdir)

	result, err := ctr.Exec(ctx, resolved.shell, step.Run, resolved.environ(), resolved.workdir)
	if err != nil {
		return fmt.Errorf("%w: %w", runFailure(step.Kind), err)
	}

	logOutput(result.Stdout)

	if result.ExitCode != 0 {
		return fmt.Errorf("%w: %w", runFailure(step.Kind), &runtime.ExitError{
			Desc:   step.Run,
			Code:   result.ExitCode,
			Stderr: result.Stderr,
		})
	}

	return nil
}

// Derives the cache fingerprint of an operation.
//
// A run step is identified by its command and the resolved shell, working
// directory, and environment. A host copy is identified by its paths and,
// when caching, the content hash of its source. A cross-stage copy is
// identified by its paths and the chain key of the source stage, so a
// rebuilt source stage invalidates it.
func (b *builder) fingerprint(step recipe.Step, resolved *stepState) ([]string, error) {
	if step.Run != "" {
		return []string{"run", resolved.shell, resolved.workdir, cache.Environ(resolved.environ()), step.Run}, nil
	}

	fail := copyFailure(step.Kind)

	src, dest, err := recipe.ParseCopy(step.Copy, resolved.workdir)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", fail, err)
	}

	if stage, p, ok := recipe.ParseStageCopy(src); ok {
		srcRes, ok := b.stages[stage]
		if !ok {
			return nil, fmt.Errorf("%w: unknown stage %q", fail, stage)
		}
		return []string{"copy-stage", stage, srcRes.key.String(), p, dest}, nil
	}

	var hash string
	if b.opts.Cache != nil {
		hostPath, err := b.hostPath(src)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", fail, err)
		}
		d, err := cache.HashPath(hostPath)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", fail, err)
		}
		hash = d.String()
	}

	return []string{"copy", src, dest, hash}, nil
}

// Maps a run step's kind to the error reported when it fails.
func runFailure(kind recipe.StepKind) error {
	switch kind {
	case recipe.KindInstall:
		return ErrPackageInstall
	case recipe.KindCompile:
		return ErrCompile
	default:
		return ErrCommandFailed
	}
}

// Maps a copy step's kind to the error reported when it fails.
func copyFailure(kind recipe.StepKind) error {
	if kind == recipe.KindArtifact {
		return ErrArtifactCopy
	}
	return ErrCopy
}

// Logs command output line by line at debug level.
func logOutput(out string) {
	if out == "" || !slog.Default().Enabled(context.Background(), slog.LevelDebug) {
		return
	}
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		slog.Debug(sc.Text())
	}
}
