package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func newTestRedisCache(t *testing.T) Cache {
	t.Helper()
	mr := miniredis.RunT(t)
	c, err := NewRedisCache(RedisConfig{Addr: mr.Addr()}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.(*RedisCache).Close() })
	return c
}

func TestRedisCache_GetSet(t *testing.T) {
	c := newTestRedisCache(t)

	c.Set("key1", "value1", 5*time.Minute)

	val, ok := c.Get("key1")
	require.True(t, ok)
	require.Equal(t, "value1", val)

	_, ok = c.Get("nonexistent")
	require.False(t, ok)
}

func TestRedisCache_Delete(t *testing.T) {
	c := newTestRedisCache(t)

	c.Set("key1", "value1", 5*time.Minute)
	c.Delete("key1")

	_, ok := c.Get("key1")
	require.False(t, ok)
}

func TestRedisCache_Clear(t *testing.T) {
	c := newTestRedisCache(t)

	c.Set("key1", "value1", 5*time.Minute)
	c.Set("key2", "value2", 5*time.Minute)
	c.Clear()

	_, ok := c.Get("key1")
	require.False(t, ok)
}

func TestRedisCache_HealthCheck(t *testing.T) {
	c := newTestRedisCache(t).(*RedisCache)
	require.NoError(t, c.HealthCheck(context.Background()))
}

func TestRedisCache_StatsTracksHitsAndMisses(t *testing.T) {
	c := newTestRedisCache(t)

	c.Set("key1", "value1", 5*time.Minute)
	c.Get("key1")
	c.Get("key1")
	c.Get("nonexistent")

	stats := c.Stats()
	require.Equal(t, int64(2), stats.Hits)
	require.Equal(t, int64(1), stats.Misses)
	require.Equal(t, int64(1), stats.Sets)
}
