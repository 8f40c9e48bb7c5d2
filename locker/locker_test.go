package locker

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestLocker(t *testing.T) Locker {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisLocker(zap.NewNop(), client)
}

func TestRedisLocker_TryLock(t *testing.T) {
	l := newTestLocker(t)
	ctx := context.Background()

	unlock, err := l.TryLock(ctx, "jobqueue:records:maintenance", WithExpiry(5*time.Second))
	require.NoError(t, err)

	_, err = l.TryLock(ctx, "jobqueue:records:maintenance")
	assert.ErrorIs(t, err, ErrLockNotAcquired)

	require.NoError(t, unlock(ctx))

	unlock, err = l.TryLock(ctx, "jobqueue:records:maintenance")
	require.NoError(t, err)
	assert.NoError(t, unlock(ctx))
}

func TestRedisLocker_Lock(t *testing.T) {
	l := newTestLocker(t)
	ctx := context.Background()

	_, err := l.Lock(ctx, "")
	assert.ErrorIs(t, err, ErrInvalidKey)

	unlock, err := l.Lock(ctx, "k", WithTries(2), WithRetryDelay(10*time.Millisecond))
	require.NoError(t, err)
	_, err = l.Lock(ctx, "k", WithTries(2), WithRetryDelay(10*time.Millisecond))
	assert.ErrorIs(t, err, ErrLockNotAcquired)
	assert.NoError(t, unlock(ctx))
}

func TestKey(t *testing.T) {
	assert.Equal(t, "jobqueue:bulk:clean", Key("jobqueue", "bulk", "clean"))
	assert.Empty(t, Key("jobqueue", "", "clean"))

	_, err := newTestLocker(t).TryLock(context.Background(), Key("jobqueue", ""))
	assert.ErrorIs(t, err, ErrInvalidKey)
}
