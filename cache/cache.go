package cache

import (
	"context"
	"errors"
	"time"
)

// Cache holds derived reads that the record handlers invalidate after writes.
// Patterns use glob syntax, as with the Redis SCAN MATCH option.
type Cache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string, expiry time.Duration) error
	Delete(ctx context.Context, key string) error
	DelPattern(ctx context.Context, pattern string) (int, error)
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrKeyNotFound)
}
