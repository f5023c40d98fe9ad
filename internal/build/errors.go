package build

import "errors"

var (
	ErrBuild          = errors.New("build failed")
	ErrCopy           = errors.New("copy failed")
	ErrCommandFailed  = errors.New("command failed")
	ErrPackageInstall = errors.New("package install failed")
	ErrCompile        = errors.New("compilation failed")
	ErrArtifactCopy   = errors.New("artifact copy failed")
)
