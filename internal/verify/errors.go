package verify

import "errors"

var (
	ErrArchive     = errors.New("unreadable image archive")
	ErrContainment = errors.New("image contents check failed")
	ErrEntrypoint  = errors.New("image entrypoint check failed")
)
