package recipe

import (
	"fmt"
	"strings"
)

// Classifies what a step does, so failures can be reported by cause.
type StepKind string

const (
	KindInstall  StepKind = "install"  // Installs native system packages.
	KindCompile  StepKind = "compile"  // Builds the target binary.
	KindArtifact StepKind = "artifact" // Copies the binary out of an earlier stage.
)

// Prefix marking a base image loaded from an OCI archive on disk.
const archivePrefix = "file:"

// An ordered sequence of build stages. The last stage is the runtime image.
type Recipe struct {
	Stages []Stage
}

// One phase of the build: a base image and the steps applied on top of it.
type Stage struct {
	Name  string // Unique, used by later stages to copy artifacts out.
	From  string // Registry reference, or "file:<path>" for an OCI archive.
	Steps []Step
}

// A single operation or modifier.
//
// Exactly one of Run and Copy is set for an operation. A step with neither
// is a standalone modifier whose Shell, Workdir, and Env persist for the
// remaining steps of the stage. On an operation the modifiers apply to that
// step only.
type Step struct {
	Run     string            // Shell command.
	Copy    string            // "src dest" from the build context, or "stage:src dest".
	Shell   string            // Shell used for Run.
	Workdir string            // Working directory.
	Env     map[string]string // Environment overrides.
	Kind    StepKind          // Failure classification, optional.
}

// Where a stage's base image comes from.
type Source struct {
	Archive bool   // True when Value is a path to an OCI archive.
	Value   string // Registry reference or archive path.
}

// Parses the stage's From field.
func (s Stage) ParseFrom() (Source, error) {
	from := strings.TrimSpace(s.From)
	if path, ok := strings.CutPrefix(from, archivePrefix); ok {
		if path == "" {
			return Source{}, fmt.Errorf("%w: %q has no archive path", ErrInvalidFrom, s.From)
		}
		return Source{Archive: true, Value: path}, nil
	}
	if from == "" || strings.ContainsAny(from, " \t") {
		return Source{}, fmt.Errorf("%w: %q", ErrInvalidFrom, s.From)
	}
	return Source{Value: from}, nil
}

// Returns the final stage.
func (r *Recipe) Final() Stage {
	return r.Stages[len(r.Stages)-1]
}

// Returns true if the step performs an operation rather than only setting
// modifiers.
func (s Step) IsOperation() bool {
	return s.Run != "" || s.Copy != ""
}

// Checks the recipe's structural invariants.
//
// The recipe needs at least two stages with unique, non-empty names. Each
// step carries at most one operation. Cross-stage copies must name an
// earlier stage, and the final stage may copy only from earlier stages,
// never from the build context, so nothing outside the builder output can
// reach the runtime image.
func (r *Recipe) Validate() error {
	if len(r.Stages) < 2 {
		return fmt.Errorf("%w: need a builder and a runtime stage, got %d stage(s)", ErrInvalidRecipe, len(r.Stages))
	}

	seen := make(map[string]bool, len(r.Stages))
	last := len(r.Stages) - 1

	for i, stage := range r.Stages {
		if stage.Name == "" {
			return fmt.Errorf("%w: stage %d has no name", ErrInvalidRecipe, i+1)
		}
		if seen[stage.Name] {
			return fmt.Errorf("%w: duplicate stage name %q", ErrInvalidRecipe, stage.Name)
		}
		if _, err := stage.ParseFrom(); err != nil {
			return fmt.Errorf("%w: stage %q: %w", ErrInvalidRecipe, stage.Name, err)
		}

		for j, step := range stage.Steps {
			if err := validateStep(step, seen, i == last); err != nil {
				return fmt.Errorf("%w: stage %q, step %d: %w", ErrInvalidRecipe, stage.Name, j+1, err)
			}
		}

		seen[stage.Name] = true
	}

	return nil
}

// Checks a single step against the stages declared before it.
func validateStep(step Step, earlier map[string]bool, final bool) error {
	if step.Run != "" && step.Copy != "" {
		return fmt.Errorf("step has both run and copy")
	}
	if step.Copy == "" {
		return nil
	}

	src, _, err := ParseCopy(step.Copy, "/")
	if err != nil {
		return err
	}

	stage, _, ok := ParseStageCopy(src)
	if !ok {
		if final {
			return fmt.Errorf("final stage copies %q from the build context", src)
		}
		return nil
	}
	if !earlier[stage] {
		return fmt.Errorf("copy from unknown or later stage %q", stage)
	}
	return nil
}
