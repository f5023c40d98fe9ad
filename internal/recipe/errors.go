package recipe

import "errors"

var (
	ErrInvalidRecipe = errors.New("invalid recipe")
	ErrInvalidFrom   = errors.New("invalid base image reference")
)
