package build

import (
	"context"
	"io"

	"github.com/cruciblehq/crate/internal/runtime"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// The image and container operations a build needs.
//
// [FromRuntime] adapts a containerd-backed [runtime.Runtime].
type Engine interface {
	PullImage(ctx context.Context, ref, platform string) (runtime.Image, error)
	ImportImage(ctx context.Context, path, platform string) (runtime.Image, error)
	LookupImage(ctx context.Context, tag string) (runtime.Image, error)
	TagImage(ctx context.Context, source, tag string) (runtime.Image, error)
	StartContainer(ctx context.Context, tag, id, platform string) (Container, error)
}

// A running stage container.
type Container interface {
	ID() string
	Exec(ctx context.Context, shell, command string, env []string, workdir string) (*runtime.ExecResult, error)
	MkdirAll(ctx context.Context, dir string) error
	CopyTo(ctx context.Context, r io.Reader, destDir string) error
	CopyFrom(ctx context.Context, w io.Writer, path string) error
	Commit(ctx context.Context, tag string, opts runtime.CommitOptions) (ocispec.Descriptor, error)
	Stop(ctx context.Context) error
	Destroy(ctx context.Context)
}

// Adapts a runtime to the [Engine] interface.
func FromRuntime(rt *runtime.Runtime) Engine {
	return runtimeEngine{rt}
}

type runtimeEngine struct {
	*runtime.Runtime
}

func (e runtimeEngine) StartContainer(ctx context.Context, tag, id, platform string) (Container, error) {
	ctr, err := e.Runtime.StartContainer(ctx, tag, id, platform)
	if err != nil {
		return nil, err
	}
	return ctr, nil
}
