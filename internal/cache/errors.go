package cache

import "errors"

var (
	ErrCache   = errors.New("cache error")
	ErrCorrupt = errors.New("cache index corrupt")
)
