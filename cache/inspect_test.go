package cache_test

import (
	"context"
	"testing"
	"time"

	"github.com/nsavage/keepcache/cache"
	"github.com/stretchr/testify/require"
)

func TestCache_InspectorReportsKeysAndTTLs(t *testing.T) {
	t.Parallel()
	c, err := cache.New[string, string]("inspect", freshTable[string, string]())
	require.NoError(t, err)
	defer c.Close()

	ctx := context.Background()
	require.NoError(t, c.Put(ctx, "no-ttl", "v1"))
	require.NoError(t, c.Put(ctx, "with-ttl", "v2", cache.WithExpiration(time.Minute)))

	var inspector cache.Inspector = c

	keys, err := inspector.Keys(ctx)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"no-ttl", "with-ttl"}, keys)

	ttls, err := inspector.TTLs(ctx)
	require.NoError(t, err)
	_, hasNoTTL := ttls["no-ttl"]
	require.False(t, hasNoTTL)
	ttl, hasTTL := ttls["with-ttl"]
	require.True(t, hasTTL)
	require.Greater(t, ttl, int64(0))
}
