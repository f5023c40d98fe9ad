package config

import "errors"

var (
	ErrConfig  = errors.New("configuration error")
	ErrInvalid = errors.New("invalid configuration")
)
