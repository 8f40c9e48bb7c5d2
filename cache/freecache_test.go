package cache

import (
	"context"
	"testing"
	"time"

	"github.com/coocood/freecache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestFreeCache(t *testing.T) Cache {
	// Create a 10MB cache for testing
	cache := freecache.NewCache(10 * 1024 * 1024)
	return NewFreeCache(cache)
}

func TestFreeCache_SetGet(t *testing.T) {
	cache := createTestFreeCache(t)
	ctx := context.Background()

	t.Run("successful set", func(t *testing.T) {
		err := cache.Set(ctx, "test-key", "test-value", time.Minute)
		assert.NoError(t, err)

		value, err := cache.Get(ctx, "test-key")
		assert.NoError(t, err)
		assert.Equal(t, "test-value", value)
	})

	t.Run("set with zero expiry", func(t *testing.T) {
		err := cache.Set(ctx, "test-key-zero", "test-value-zero", 0)
		assert.NoError(t, err)

		value, err := cache.Get(ctx, "test-key-zero")
		assert.NoError(t, err)
		assert.Equal(t, "test-value-zero", value)
	})

	t.Run("get non-existing key", func(t *testing.T) {
		value, err := cache.Get(ctx, "non-existing-key")
		assert.Empty(t, value)
		assert.Equal(t, ErrKeyNotFound, err)
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, cache.Set(ctx, "gone", "v", time.Minute))
		require.NoError(t, cache.Delete(ctx, "gone"))
		_, err := cache.Get(ctx, "gone")
		assert.True(t, IsNotFound(err))
	})
}

func TestFreeCache_DelPattern(t *testing.T) {
	cache := createTestFreeCache(t)
	ctx := context.Background()

	for _, key := range []string{"products:b1:list", "products:b1:42", "products:b2:list", "stores:b1:list"} {
		require.NoError(t, cache.Set(ctx, key, "x", time.Minute))
	}

	n, err := cache.DelPattern(ctx, "products:b1:*")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = cache.Get(ctx, "products:b1:list")
	assert.ErrorIs(t, err, ErrKeyNotFound)
	_, err = cache.Get(ctx, "products:b2:list")
	assert.NoError(t, err)
	_, err = cache.Get(ctx, "stores:b1:list")
	assert.NoError(t, err)

	_, err = cache.DelPattern(ctx, "[")
	assert.ErrorIs(t, err, ErrBadPattern)
}

func TestFreeCache_DelPatternFollowsRedisGlob(t *testing.T) {
	tests := []struct {
		pattern string
		deleted []string
	}{
		{pattern: "products:b1:*", deleted: []string{"products:b1:list", "products:b1:sub/42"}},
		{pattern: `products:b\*:*`, deleted: []string{"products:b*:list"}},
		{pattern: "products:" + QuotePattern("b*") + ":*", deleted: []string{"products:b*:list"}},
		{pattern: "products:b[^1*]:list", deleted: []string{"products:b2:list"}},
		{pattern: "products:b?:list", deleted: []string{"products:b*:list", "products:b1:list", "products:b2:list"}},
		{pattern: "products:b1[0-9]:*", deleted: []string{"products:b10:list"}},
		{pattern: "*/42", deleted: []string{"products:b1:sub/42"}},
	}

	keys := []string{"products:b1:list", "products:b1:sub/42", "products:b10:list", "products:b2:list", "products:b*:list"}
	for _, tt := range tests {
		t.Run(tt.pattern, func(t *testing.T) {
			cache := createTestFreeCache(t)
			ctx := context.Background()
			for _, key := range keys {
				require.NoError(t, cache.Set(ctx, key, "x", time.Minute))
			}

			n, err := cache.DelPattern(ctx, tt.pattern)
			require.NoError(t, err)
			assert.Equal(t, len(tt.deleted), n)

			var gone []string
			for _, key := range keys {
				if _, err := cache.Get(ctx, key); IsNotFound(err) {
					gone = append(gone, key)
				}
			}
			assert.ElementsMatch(t, tt.deleted, gone)
		})
	}
}

func TestCompilePattern_Invalid(t *testing.T) {
	for _, pattern := range []string{"", "[", "[]", `products:\`, "products:[a-"} {
		_, err := compilePattern(pattern)
		assert.ErrorIs(t, err, ErrBadPattern, pattern)
	}
}

func TestQuotePattern(t *testing.T) {
	assert.Equal(t, `b\*\?\[1\]\\`, QuotePattern(`b*?[1]\`))
	assert.Equal(t, "brand-1", QuotePattern("brand-1"))
}
