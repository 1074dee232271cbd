package internal_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/koopa0/visit-tracker/internal"
	"github.com/koopa0/visit-tracker/internal/testutils"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimiter_AllowsUpToLimit(t *testing.T) {
	env := testutils.SetupRedisOnly(t)
	limiter := internal.NewRateLimiter(env.RedisClient, 3, time.Minute, env.Logger)
	ctx := context.Background()

	key := internal.RateLimitKey("10.0.0.1")
	for i := range 3 {
		allowed, err := limiter.Allow(ctx, key)
		require.NoError(t, err)
		assert.True(t, allowed, "request %d should be allowed", i+1)
	}

	allowed, err := limiter.Allow(ctx, key)
	require.NoError(t, err)
	assert.False(t, allowed)
}

func TestRateLimiter_DoesNotIncrementAtLimit(t *testing.T) {
	env := testutils.SetupRedisOnly(t)
	limiter := internal.NewRateLimiter(env.RedisClient, 2, time.Minute, env.Logger)
	ctx := context.Background()

	key := internal.RateLimitKey("10.0.0.2")
	for range 5 {
		_, err := limiter.Allow(ctx, key)
		require.NoError(t, err)
	}

	// 被拒絕的請求不遞增計數器
	count, err := env.RedisClient.Get(ctx, key).Int64()
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func TestRateLimiter_IsolatesKeys(t *testing.T) {
	env := testutils.SetupRedisOnly(t)
	limiter := internal.NewRateLimiter(env.RedisClient, 1, time.Minute, env.Logger)
	ctx := context.Background()

	allowed, err := limiter.Allow(ctx, internal.RateLimitKey("10.0.0.3"))
	require.NoError(t, err)
	assert.True(t, allowed)

	allowed, err = limiter.Allow(ctx, internal.RateLimitKey("10.0.0.3"))
	require.NoError(t, err)
	assert.False(t, allowed)

	// 另一個客戶端有自己的視窗
	allowed, err = limiter.Allow(ctx, internal.RateLimitKey("10.0.0.4"))
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestRateLimiter_WindowExpires(t *testing.T) {
	env := testutils.SetupRedisOnly(t)
	limiter := internal.NewRateLimiter(env.RedisClient, 1, time.Second, env.Logger)
	ctx := context.Background()

	key := internal.RateLimitKey("10.0.0.5")
	allowed, err := limiter.Allow(ctx, key)
	require.NoError(t, err)
	require.True(t, allowed)

	allowed, err = limiter.Allow(ctx, key)
	require.NoError(t, err)
	require.False(t, allowed)

	// 等視窗 TTL 過期
	time.Sleep(1100 * time.Millisecond)

	allowed, err = limiter.Allow(ctx, key)
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestRateLimiter_ErrorWhenRedisDown(t *testing.T) {
	deadClient := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 200 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer deadClient.Close()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	limiter := internal.NewRateLimiter(deadClient, 10, time.Minute, log)

	_, err := limiter.Allow(context.Background(), internal.RateLimitKey("10.0.0.6"))
	assert.Error(t, err)
}
