package recipe

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
)

// Renders the recipe as an equivalent multi-stage Dockerfile.
//
// Standalone modifiers become SHELL, WORKDIR, and ENV instructions. Scoped
// modifiers on a run step are folded into the RUN command. Stages built
// from OCI archives have no Dockerfile equivalent and are rejected.
func (r *Recipe) WriteDockerfile(w io.Writer, entrypoint []string) error {
	bw := bufio.NewWriter(w)

	for i, stage := range r.Stages {
		src, err := stage.ParseFrom()
		if err != nil {
			return err
		}
		if src.Archive {
			return fmt.Errorf("%w: stage %q uses an archive base", ErrInvalidRecipe, stage.Name)
		}

		if i > 0 {
			fmt.Fprintln(bw)
		}
		fmt.Fprintf(bw, "FROM %s AS %s\n", src.Value, stage.Name)

		if err := writeSteps(bw, stage.Steps); err != nil {
			return fmt.Errorf("stage %q: %w", stage.Name, err)
		}
	}

	if len(entrypoint) > 0 {
		b, err := json.Marshal(entrypoint)
		if err != nil {
			return err
		}
		fmt.Fprintf(bw, "ENTRYPOINT %s\n", b)
	}

	return bw.Flush()
}

// Writes the instructions for one stage's steps.
func writeSteps(w io.Writer, steps []Step) error {
	workdir := ""

	for _, step := range steps {
		if !step.IsOperation() {
			if step.Shell != "" {
				fmt.Fprintf(w, "SHELL [%q, \"-c\"]\n", step.Shell)
			}
			if step.Workdir != "" {
				workdir = step.Workdir
				fmt.Fprintf(w, "WORKDIR %s\n", step.Workdir)
			}
			if len(step.Env) > 0 {
				fmt.Fprintf(w, "ENV %s\n", strings.Join(envPairs(step.Env, "%s=%q"), " "))
			}
			continue
		}

		if step.Run != "" {
			fmt.Fprintf(w, "RUN %s\n", scopedCommand(step))
			continue
		}

		dir := workdir
		if step.Workdir != "" {
			dir = step.Workdir
		}
		src, dest, err := ParseCopy(step.Copy, dir)
		if err != nil {
			return err
		}
		if stage, p, ok := ParseStageCopy(src); ok {
			fmt.Fprintf(w, "COPY --from=%s %s %s\n", stage, p, dest)
		} else {
			fmt.Fprintf(w, "COPY %s %s\n", src, dest)
		}
	}

	return nil
}

// Folds step-scoped modifiers into a single shell command.
func scopedCommand(step Step) string {
	cmd := step.Run
	if step.Workdir != "" {
		cmd = fmt.Sprintf("cd %s && %s", step.Workdir, cmd)
	}
	if len(step.Env) > 0 {
		cmd = fmt.Sprintf("export %s && %s", strings.Join(envPairs(step.Env, "%s=%s"), " "), cmd)
	}
	if step.Shell != "" {
		cmd = fmt.Sprintf("%s -c %q", step.Shell, cmd)
	}
	return cmd
}

// Formats an environment map in key order.
func envPairs(env map[string]string, format string) []string {
	keys := slices.Sorted(maps.Keys(env))
	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, fmt.Sprintf(format, k, env[k]))
	}
	return pairs
}
