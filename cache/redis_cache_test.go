package cache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/alihesham01/chronizer/broker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func createTestRedisCache(t *testing.T) (Cache, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	cfg := broker.DefaultConfig()
	cfg.Addr = mr.Addr()
	mgr, err := broker.New(zap.NewNop(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { mgr.Shutdown(context.Background()) })
	return NewRedisCache(zap.NewNop(), mgr.Command()), mr
}

func TestRedisCache_SetGet(t *testing.T) {
	cache, mr := createTestRedisCache(t)
	ctx := context.Background()

	require.NoError(t, cache.Set(ctx, "stores:b1:list", `[{"id":1}]`, time.Minute))
	value, err := cache.Get(ctx, "stores:b1:list")
	require.NoError(t, err)
	assert.Equal(t, `[{"id":1}]`, value)
	assert.Equal(t, time.Minute, mr.TTL("stores:b1:list"))

	_, err = cache.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrKeyNotFound)

	require.NoError(t, cache.Delete(ctx, "stores:b1:list"))
	assert.False(t, mr.Exists("stores:b1:list"))
}

func TestRedisCache_DelPattern(t *testing.T) {
	cache, mr := createTestRedisCache(t)
	ctx := context.Background()

	for i := 0; i < 1200; i++ {
		require.NoError(t, mr.Set(fmt.Sprintf("transactions:b1:%d", i), "x"))
	}
	require.NoError(t, mr.Set("transactions:b2:1", "x"))

	n, err := cache.DelPattern(ctx, "transactions:b1:*")
	require.NoError(t, err)
	assert.Equal(t, 1200, n)
	assert.Equal(t, []string{"transactions:b2:1"}, mr.Keys())

	_, err = cache.DelPattern(ctx, "")
	assert.ErrorIs(t, err, ErrBadPattern)
}

func TestDelPattern_BackendsAgree(t *testing.T) {
	keys := []string{"products:b1:list", "products:b1:sub/42", "products:b10:list", "products:b2:list", "products:b*:list"}
	patterns := []string{"products:b1:*", `products:b\*:*`, "products:b[^1]:list", "products:b?:list", "*/42"}

	for _, pattern := range patterns {
		t.Run(pattern, func(t *testing.T) {
			ctx := context.Background()
			remote, mr := createTestRedisCache(t)
			local := createTestFreeCache(t)
			for _, key := range keys {
				require.NoError(t, remote.Set(ctx, key, "x", time.Minute))
				require.NoError(t, local.Set(ctx, key, "x", time.Minute))
			}

			nRemote, err := remote.DelPattern(ctx, pattern)
			require.NoError(t, err)
			nLocal, err := local.DelPattern(ctx, pattern)
			require.NoError(t, err)
			assert.Equal(t, nRemote, nLocal)

			for _, key := range keys {
				_, err := local.Get(ctx, key)
				assert.Equal(t, mr.Exists(key), err == nil, key)
			}
		})
	}
}
