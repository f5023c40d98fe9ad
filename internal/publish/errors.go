package publish

import "errors"

var (
	ErrPublish       = errors.New("publish failed")
	ErrOutputDir     = errors.New("output directory unusable")
	ErrBusy          = errors.New("output is being written by another process")
	ErrImageNotFound = errors.New("image not found")
)
