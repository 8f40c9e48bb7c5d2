package locker

import (
	"context"
	"errors"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	goredislib "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const keyPrefix = "locker:"

type redisLocker struct {
	lg      *zap.Logger
	rs      *redsync.Redsync
	options *lockOptions
}

func defaultOptions() *lockOptions {
	return &lockOptions{
		expiry:     30 * time.Second,
		retryDelay: 200 * time.Millisecond,
		tries:      10,
	}
}

// NewRedisLocker builds a redsync locker over an existing client; the caller
// owns the client's lifecycle.
func NewRedisLocker(lg *zap.Logger, client goredislib.UniversalClient) Locker {
	return &redisLocker{
		lg:      lg,
		rs:      redsync.New(goredis.NewPool(client)),
		options: defaultOptions(),
	}
}

func createUnlocker(mutex *redsync.Mutex, lg *zap.Logger, key string) Unlocker {
	return func(ctx context.Context) error {
		defer func() {
			if r := recover(); r != nil {
				lg.Error("panic in unlocker", zap.String("key", key), zap.Any("recover", r))
			}
		}()

		ok, err := mutex.UnlockContext(ctx)
		if err != nil {
			lg.Error("failed to unlock", zap.String("key", key), zap.Error(err))
			return err
		}
		if !ok {
			lg.Debug("lock already released", zap.String("key", key))
			return nil
		}
		lg.Debug("lock released", zap.String("key", key))
		return nil
	}
}

func (l *redisLocker) Lock(ctx context.Context, key string, opts ...Option) (Unlocker, error) {
	options := *l.options
	for _, opt := range opts {
		opt(&options)
	}
	return l.acquire(ctx, key,
		redsync.WithExpiry(options.expiry),
		redsync.WithRetryDelay(options.retryDelay),
		redsync.WithTries(options.tries),
	)
}

// TryLock makes a single attempt and returns ErrLockNotAcquired when another
// holder owns the key.
func (l *redisLocker) TryLock(ctx context.Context, key string, opts ...Option) (Unlocker, error) {
	options := *l.options
	for _, opt := range opts {
		opt(&options)
	}
	return l.acquire(ctx, key,
		redsync.WithExpiry(options.expiry),
		redsync.WithTries(1),
	)
}

func (l *redisLocker) acquire(ctx context.Context, key string, mutexOpts ...redsync.Option) (Unlocker, error) {
	if key == "" {
		return nil, ErrInvalidKey
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	mutex := l.rs.NewMutex(keyPrefix+key, mutexOpts...)
	err := mutex.LockContext(ctx)
	if err != nil {
		var taken *redsync.ErrTaken
		if errors.Is(err, redsync.ErrFailed) || errors.As(err, &taken) {
			l.lg.Debug("failed to acquire lock", zap.String("key", key), zap.Error(err))
			return nil, ErrLockNotAcquired
		}
		l.lg.Error("error acquiring lock", zap.String("key", key), zap.Error(err))
		return nil, err
	}

	l.lg.Debug("lock acquired", zap.String("key", key))
	return createUnlocker(mutex, l.lg, key), nil
}
