package recipe

import (
	"fmt"
	"path"
	"regexp"
	"strings"

	"github.com/cruciblehq/crate/internal/config"
)

const (
	builderStage = "builder"
	runtimeStage = "runtime"
)

// Debian package names: lowercase alphanumerics plus "+", "-", and ".",
// starting with an alphanumeric.
var packageName = regexp.MustCompile(`^[a-z0-9][a-z0-9+.-]+$`)

// Builds the two-stage recipe declared by the configuration.
//
// The builder stage installs the build-only packages, copies the dependency
// manifests before the source tree so that a source-only change leaves the
// dependency layers cached, and runs the compile command. The runtime stage
// installs the runtime packages when native libraries are enabled and copies
// the compiled binary, and nothing else, out of the builder stage.
func FromConfig(cfg *config.Config) (*Recipe, error) {
	for _, pkgs := range [][]string{cfg.Builder.Packages, cfg.Runtime.Packages} {
		for _, p := range pkgs {
			if !packageName.MatchString(p) {
				return nil, fmt.Errorf("%w: invalid package name %q", ErrInvalidRecipe, p)
			}
		}
	}

	builder := Stage{
		Name: builderStage,
		From: cfg.Builder.From,
		Steps: []Step{
			{Workdir: cfg.Builder.Workdir},
		},
	}
	if len(cfg.Builder.Packages) > 0 {
		builder.Steps = append(builder.Steps, installStep(cfg.Builder.Packages))
	}
	for _, m := range cfg.Builder.Manifests {
		builder.Steps = append(builder.Steps, Step{Copy: m + " " + path.Base(m)})
	}
	builder.Steps = append(builder.Steps,
		Step{Copy: cfg.Builder.Source + " " + path.Base(cfg.Builder.Source)},
		Step{Run: cfg.Builder.Command, Kind: KindCompile},
	)

	runtime := Stage{
		Name: runtimeStage,
		From: cfg.Runtime.From,
	}
	if cfg.Runtime.NativeLibs && len(cfg.Runtime.Packages) > 0 {
		runtime.Steps = append(runtime.Steps, installStep(cfg.Runtime.Packages))
	}
	runtime.Steps = append(runtime.Steps, Step{
		Copy: builderStage + ":" + cfg.ArtifactPath() + " " + cfg.Runtime.Binary,
		Kind: KindArtifact,
	})

	r := &Recipe{Stages: []Stage{builder, runtime}}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}

// Returns a step installing the given packages with apt, leaving no package
// lists behind in the layer.
func installStep(pkgs []string) Step {
	return Step{
		Run: "apt-get update && apt-get install -y --no-install-recommends " +
			strings.Join(pkgs, " ") +
			" && rm -rf /var/lib/apt/lists/*",
		Env:  map[string]string{"DEBIAN_FRONTEND": "noninteractive"},
		Kind: KindInstall,
	}
}
