package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/coocood/freecache"
)

type freeCache struct {
	cache *freecache.Cache
}

// NewFreeCache wraps an in-process freecache, used when no broker-backed
// cache is configured. Recommended size: 100MB = 100 * 1024 * 1024
func NewFreeCache(cache *freecache.Cache) Cache {
	return &freeCache{cache: cache}
}

func (c *freeCache) Set(ctx context.Context, key string, value string, expiry time.Duration) error {
	ttlSeconds := int(expiry.Seconds())
	if ttlSeconds <= 0 {
		ttlSeconds = 0 // No expiry
	}

	err := c.cache.Set([]byte(key), []byte(value), ttlSeconds)
	if err != nil {
		return fmt.Errorf("failed to set key %s: %w", key, err)
	}
	return nil
}

func (c *freeCache) Get(ctx context.Context, key string) (string, error) {
	data, err := c.cache.Get([]byte(key))
	if err != nil {
		if err == freecache.ErrNotFound {
			return "", ErrKeyNotFound
		}
		return "", fmt.Errorf("failed to get key %s: %w", key, err)
	}
	return string(data), nil
}

func (c *freeCache) Delete(ctx context.Context, key string) error {
	c.cache.Del([]byte(key))
	return nil
}

func (c *freeCache) DelPattern(ctx context.Context, pattern string) (int, error) {
	re, err := compilePattern(pattern)
	if err != nil {
		return 0, err
	}

	var matched [][]byte
	it := c.cache.NewIterator()
	for entry := it.Next(); entry != nil; entry = it.Next() {
		if re.Match(entry.Key) {
			matched = append(matched, entry.Key)
		}
	}

	var deleted int
	for _, key := range matched {
		if c.cache.Del(key) {
			deleted++
		}
	}
	return deleted, nil
}
