package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/alihesham01/chronizer/broker"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const scanCount = 500

type redisCache struct {
	lg   *zap.Logger
	conn *broker.Conn
}

// NewRedisCache builds a cache on the shared broker command connection.
func NewRedisCache(lg *zap.Logger, conn *broker.Conn) Cache {
	return &redisCache{
		lg:   lg,
		conn: conn,
	}
}

func (c *redisCache) Set(ctx context.Context, key string, value string, expiry time.Duration) error {
	return c.conn.Do(ctx, func(ctx context.Context, client *redis.Client) error {
		return client.Set(ctx, key, value, expiry).Err()
	})
}

func (c *redisCache) Get(ctx context.Context, key string) (string, error) {
	var data string
	err := c.conn.Do(ctx, func(ctx context.Context, client *redis.Client) error {
		var err error
		data, err = client.Get(ctx, key).Result()
		return err
	})
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrKeyNotFound
		}
		return "", err
	}

	return data, nil
}

func (c *redisCache) Delete(ctx context.Context, key string) error {
	return c.conn.Do(ctx, func(ctx context.Context, client *redis.Client) error {
		return client.Del(ctx, key).Err()
	})
}

// DelPattern walks the keyspace with SCAN and unlinks matches in batches,
// so it never blocks the server the way KEYS would.
func (c *redisCache) DelPattern(ctx context.Context, pattern string) (int, error) {
	if pattern == "" {
		return 0, ErrBadPattern
	}

	var deleted int
	var cursor uint64
	for {
		var keys []string
		err := c.conn.Do(ctx, func(ctx context.Context, client *redis.Client) error {
			var err error
			keys, cursor, err = client.Scan(ctx, cursor, pattern, scanCount).Result()
			if err != nil || len(keys) == 0 {
				return err
			}
			n, err := client.Unlink(ctx, keys...).Result()
			deleted += int(n)
			return err
		})
		if err != nil {
			return deleted, fmt.Errorf("delete pattern %s: %w", pattern, err)
		}
		if cursor == 0 {
			break
		}
	}

	c.lg.Debug("cache keys invalidated", zap.String("pattern", pattern), zap.Int("deleted", deleted))
	return deleted, nil
}
