package util

import "errors"

var (
	ErrValueNotFound = errors.New("value not found in context")
	ErrInvalidValue  = errors.New("unexpected value type in context")
	ErrBadDuration   = errors.New("invalid duration")
)
