// Package config loads the pipeline declaration for crate.
//
// Configuration is loaded from the following sources, highest priority
// first:
//  1. Environment variables (CRATE_* prefix)
//  2. Config file (closest crate.toml or .crate.toml, walking up from the
//     build context)
//  3. Built-in defaults, which reproduce the two-stage cargo image for the
//     bots binary
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/toml/v2"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// Config file names to search for, in priority order.
var FileNames = []string{"crate.toml", ".crate.toml"}

// Prefix for environment variable overrides.
const EnvPrefix = "CRATE_"

// Complete pipeline configuration.
type Config struct {
	Image      ImageConfig      `koanf:"image"`
	Builder    BuilderConfig    `koanf:"builder"`
	Runtime    RuntimeConfig    `koanf:"runtime"`
	Output     OutputConfig     `koanf:"output"`
	Cache      CacheConfig      `koanf:"cache"`
	Containerd ContainerdConfig `koanf:"containerd"`

	// Path of the file that was loaded, empty when only defaults and env
	// were used. Not loaded from config.
	File string `koanf:"-"`
}

// Identity of the produced image.
//
//	[image]
//	name = "bots"
//	tag = "bots:latest"
//	platform = "linux/amd64"
//	source-date-epoch = 0
type ImageConfig struct {
	// Resource name, used to prefix container IDs and cache tags.
	Name string `koanf:"name"`

	// Reference the final image is recorded under.
	Tag string `koanf:"tag"`

	// Target platform. Empty selects the host platform.
	Platform string `koanf:"platform"`

	// Unix seconds used for layer entry times and the config creation time.
	SourceDateEpoch int64 `koanf:"source-date-epoch"`
}

// The builder stage: toolchain image, build-only packages, inputs, and the
// compile command.
type BuilderConfig struct {
	From      string   `koanf:"from"`
	Packages  []string `koanf:"packages"`
	Manifests []string `koanf:"manifests"` // Dependency manifests, copied before the source tree.
	Source    string   `koanf:"source"`    // Source directory, relative to the build context.
	Workdir   string   `koanf:"workdir"`
	Command   string   `koanf:"command"`
	Artifact  string   `koanf:"artifact"` // Compiled binary, relative to workdir.
}

// The runtime stage.
//
//	[runtime]
//	from = "docker.io/library/debian:bookworm-slim"
//	packages = ["libheif1", "ca-certificates"]
//	native-libs = true
//	binary = "/usr/local/bin/bots"
type RuntimeConfig struct {
	From     string   `koanf:"from"`
	Packages []string `koanf:"packages"`

	// Whether Packages are installed at all. Turning this off produces the
	// variant without the image codec and the CA bundle.
	NativeLibs bool `koanf:"native-libs"`

	// Fixed path of the binary inside the runtime image; also the entrypoint.
	Binary string `koanf:"binary"`
}

// Where and how the archive is written.
type OutputConfig struct {
	Path             string `koanf:"path"`
	CompressionLevel int    `koanf:"compression-level"`
}

// Step cache settings.
type CacheConfig struct {
	Enabled bool   `koanf:"enabled"`
	Dir     string `koanf:"dir"` // Empty selects the XDG cache directory.
}

// Engine connection settings.
type ContainerdConfig struct {
	Address     string `koanf:"address"`
	Namespace   string `koanf:"namespace"`
	Snapshotter string `koanf:"snapshotter"`
}

// Returns the default configuration.
func Default() *Config {
	return &Config{
		Image: ImageConfig{
			Name: "bots",
			Tag:  "bots:latest",
		},
		Builder: BuilderConfig{
			From:      "docker.io/library/rust:1-bookworm",
			Packages:  []string{"cmake", "libheif-dev"},
			Manifests: []string{"Cargo.toml", "Cargo.lock"},
			Source:    "src",
			Workdir:   "/usr/src/app",
			Command:   "cargo build --release",
			Artifact:  "target/release/bots",
		},
		Runtime: RuntimeConfig{
			From:       "docker.io/library/debian:bookworm-slim",
			Packages:   []string{"libheif1", "ca-certificates"},
			NativeLibs: true,
			Binary:     "/usr/local/bin/bots",
		},
		Output: OutputConfig{
			Path:             "/output/bots.tar.gz",
			CompressionLevel: 6,
		},
		Cache: CacheConfig{
			Enabled: true,
		},
		Containerd: ContainerdConfig{
			Address:     "/run/containerd/containerd.sock",
			Namespace:   "crate",
			Snapshotter: "overlayfs",
		},
	}
}

// Loads the configuration for a build context directory, discovering the
// closest config file.
func Load(contextDir string) (*Config, error) {
	return LoadFile(Discover(contextDir))
}

// Loads the configuration from a specific file. An empty path loads defaults
// and environment overrides only.
func LoadFile(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), toml.Parser()); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrConfig, path, err)
		}
	}

	// CRATE_OUTPUT_PATH -> output.path
	// CRATE_RUNTIME_NATIVE_LIBS -> runtime.native-libs
	if err := k.Load(env.Provider(".", env.Opt{
		Prefix:        EnvPrefix,
		TransformFunc: envKeyTransform,
	}), nil); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}

	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}
	cfg.File = path

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Dotted keys whose final segment is hyphenated in the config file.
var hyphenatedKeys = map[string]string{
	"source.date.epoch": "source-date-epoch",
	"native.libs":       "native-libs",
	"compression.level": "compression-level",
}

// Top-level sections an environment variable may target.
var envSections = map[string]struct{}{
	"image":      {},
	"builder":    {},
	"runtime":    {},
	"output":     {},
	"cache":      {},
	"containerd": {},
}

// Converts an environment variable name into a config key. Variables outside
// the known sections are dropped. List values are space separated.
func envKeyTransform(k, v string) (string, any) {
	s := strings.ToLower(strings.TrimPrefix(k, EnvPrefix))
	s = strings.ReplaceAll(s, "_", ".")
	for pattern, replacement := range hyphenatedKeys {
		s = strings.ReplaceAll(s, pattern, replacement)
	}

	section, field, ok := strings.Cut(s, ".")
	if !ok {
		return "", nil
	}
	if _, known := envSections[section]; !known {
		return "", nil
	}

	if field == "packages" || field == "manifests" {
		return s, strings.Fields(v)
	}
	return s, v
}

// Finds the closest config file, walking up from dir. Returns an empty
// string when none exists.
func Discover(dir string) string {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return ""
	}

	for {
		for _, name := range FileNames {
			candidate := filepath.Join(abs, name)
			if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
				return candidate
			}
		}

		parent := filepath.Dir(abs)
		if parent == abs {
			return ""
		}
		abs = parent
	}
}
