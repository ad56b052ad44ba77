package ratelimiter

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T, cfg BucketConfig) (*RedisLuaLimiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisLuaLimiter(rdb, cfg), mr
}

func TestNewBucketConfigFromPerMinute(t *testing.T) {
	cfg := NewBucketConfigFromPerMinute(60)
	assert.EqualValues(t, 60, cfg.Capacity)
	assert.InDelta(t, 1.0, cfg.RefillRate, 0.001)

	assert.Zero(t, NewBucketConfigFromPerMinute(0))
	assert.Zero(t, NewBucketConfigFromPerMinute(-5))
}

func TestAllow_UnderAndOverLimit(t *testing.T) {
	l, _ := newTestLimiter(t, BucketConfig{Capacity: 3, RefillRate: 0.001})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		allowed, _, err := l.Allow(ctx, "submit:u1", 1)
		require.NoError(t, err)
		assert.True(t, allowed, "request %d", i)
	}

	allowed, retryAfter, err := l.Allow(ctx, "submit:u1", 1)
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.Greater(t, retryAfter, time.Duration(0))
}

func TestAllow_KeysAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(t, BucketConfig{Capacity: 1, RefillRate: 0.001})
	ctx := context.Background()

	allowed, _, err := l.Allow(ctx, "submit:u1", 1)
	require.NoError(t, err)
	assert.True(t, allowed)

	// u1 is out of tokens; u2's bucket is untouched
	allowed, _, _ = l.Allow(ctx, "submit:u1", 1)
	assert.False(t, allowed)
	allowed, _, err = l.Allow(ctx, "submit:u2", 1)
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestAllow_PerKeyOverride(t *testing.T) {
	l, _ := newTestLimiter(t, BucketConfig{Capacity: 1, RefillRate: 0.001})
	l.SetBucketConfig("submit:vip", BucketConfig{Capacity: 10, RefillRate: 1})
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		allowed, _, err := l.Allow(ctx, "submit:vip", 1)
		require.NoError(t, err)
		assert.True(t, allowed, "request %d", i)
	}
}

func TestAllow_ZeroConfigAllowsEverything(t *testing.T) {
	l, _ := newTestLimiter(t, BucketConfig{})
	for i := 0; i < 100; i++ {
		allowed, _, err := l.Allow(context.Background(), "submit:u1", 1)
		require.NoError(t, err)
		assert.True(t, allowed)
	}
}

func TestAllow_FailsOpenOnRedisError(t *testing.T) {
	l, mr := newTestLimiter(t, BucketConfig{Capacity: 1, RefillRate: 1})
	mr.Close()

	allowed, _, err := l.Allow(context.Background(), "submit:u1", 1)
	assert.Error(t, err)
	assert.True(t, allowed)
}

func TestAllow_NilLimiter(t *testing.T) {
	var l *RedisLuaLimiter
	allowed, _, err := l.Allow(context.Background(), "submit:u1", 1)
	require.NoError(t, err)
	assert.True(t, allowed)

	assert.Nil(t, NewRedisLuaLimiter(nil, BucketConfig{Capacity: 1, RefillRate: 1}))
}
