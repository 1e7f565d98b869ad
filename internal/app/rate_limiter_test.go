package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/transfa/transfer-service/internal/domain"
)

func TestRedisRateLimiter_CountsWithinWindow(t *testing.T) {
	mr, client := newTestRedisClient(t)
	limiter := NewRedisRateLimiter(client, "transfers:")
	ctx := context.Background()

	for want := 1; want <= 3; want++ {
		count, retryAfter, err := limiter.ConsumeRateLimit(ctx, "prepare", "user-somchai", 5, time.Minute)
		require.NoError(t, err)
		assert.Equal(t, want, count)
		assert.GreaterOrEqual(t, retryAfter, 1)
		assert.LessOrEqual(t, retryAfter, 60)
	}

	other, _, err := limiter.ConsumeRateLimit(ctx, "prepare", "user-malee", 5, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, other)
	assert.True(t, mr.Exists("transfers:rate_limit:prepare:user-somchai"))

	mr.FastForward(time.Minute + time.Second)
	count, _, err := limiter.ConsumeRateLimit(ctx, "prepare", "user-somchai", 5, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestRedisRateLimiter_NoopCases(t *testing.T) {
	var nilLimiter *RedisRateLimiter
	count, retryAfter, err := nilLimiter.ConsumeRateLimit(context.Background(), "prepare", "user", 1, time.Minute)
	require.NoError(t, err)
	assert.Zero(t, count)
	assert.Zero(t, retryAfter)

	_, client := newTestRedisClient(t)
	limiter := NewRedisRateLimiter(client, "")
	count, _, err = limiter.ConsumeRateLimit(context.Background(), "prepare", " ", 1, time.Minute)
	require.NoError(t, err)
	assert.Zero(t, count)

	count, _, err = limiter.ConsumeRateLimit(context.Background(), "prepare", "user", 0, time.Minute)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestRateLimitError_UnwrapsToSentinel(t *testing.T) {
	err := error(&RateLimitError{RetryAfterSeconds: 12})
	assert.True(t, errors.Is(err, domain.ErrRateLimited))
	assert.Equal(t, domain.KindUserInput, domain.KindOf(err))
	assert.Contains(t, err.Error(), "12s")
}
