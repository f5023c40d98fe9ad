package runtime

import (
	"errors"
	"fmt"
)

var (
	ErrRuntime        = errors.New("runtime error")
	ErrEmptyIndex     = errors.New("empty image index")
	ErrEmptyArchive   = errors.New("archive contains no image")
	ErrMultipleImages = errors.New("archive contains more than one image")
	ErrImageNotFound  = errors.New("image not found")
)

// A process inside a container exited with a non-zero code.
type ExitError struct {
	Desc   string // What was being run.
	Code   int    // Exit code of the process.
	Stderr string // Captured standard error, possibly truncated.
}

func (e *ExitError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("%s failed with exit code %d", e.Desc, e.Code)
	}
	return fmt.Sprintf("%s failed with exit code %d: %s", e.Desc, e.Code, e.Stderr)
}
