package cli

import (
	"errors"

	"github.com/cruciblehq/crate/internal/runtime"
)

// Returns the process exit status for an error.
//
// When a command inside a build container failed, its exit code is passed
// through, clamped to 1..255. Any other failure exits with 1.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}

	var exitErr *runtime.ExitError
	if !errors.As(err, &exitErr) {
		return 1
	}

	switch {
	case exitErr.Code < 1:
		return 1
	case exitErr.Code > 255:
		return 255
	default:
		return exitErr.Code
	}
}
