// Package locker provides broker-backed mutual exclusion for maintenance
// work that must run on one process at a time, such as queue cleaning and
// stalled-job recovery.
package locker

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	ErrInvalidKey      = errors.New("locker: invalid key")
	ErrLockNotAcquired = errors.New("locker: lock not acquired")
)

// Unlocker releases a held lock. Releasing an expired lock is not an error.
type Unlocker func(ctx context.Context) error

type Locker interface {
	// Lock waits, retrying with the configured delay, until the key is free.
	Lock(ctx context.Context, key string, opts ...Option) (Unlocker, error)
	// TryLock makes one attempt.
	TryLock(ctx context.Context, key string, opts ...Option) (Unlocker, error)
}

// Key joins non-empty parts with ":", e.g. Key("jobqueue", "bulk", "clean").
func Key(parts ...string) string {
	for _, p := range parts {
		if p == "" {
			return ""
		}
	}
	return strings.Join(parts, ":")
}

type lockOptions struct {
	expiry     time.Duration
	retryDelay time.Duration
	tries      int
}

type Option func(*lockOptions)

// WithExpiry bounds how long the lock survives a holder that never unlocks.
func WithExpiry(d time.Duration) Option {
	return func(o *lockOptions) {
		if d > 0 {
			o.expiry = d
		}
	}
}

func WithRetryDelay(d time.Duration) Option {
	return func(o *lockOptions) {
		o.retryDelay = d
	}
}

func WithTries(n int) Option {
	return func(o *lockOptions) {
		if n > 0 {
			o.tries = n
		}
	}
}
