package cache

import "errors"

var (
	ErrKeyNotFound = errors.New("cache: key not found")
	ErrBadPattern  = errors.New("cache: invalid key pattern")
)
