package main

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/alimx07/Blogging_Backend/blog_service/models"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"
)

func newTestLimiter(t *testing.T, rules map[string]models.Rule) (*RateLimiter, *miniredis.Miniredis, *time.Time) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	rl := NewRateLimiter(client, models.RateLimitingConfig{Enabled: true, Rules: rules}, zaptest.NewLogger(t), nil)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }
	return rl, mr, &now
}

func TestTokenBucket(t *testing.T) {
	ctx := context.Background()
	rl, _, now := newTestLimiter(t, map[string]models.Rule{"read": {Limit: 3, RefillRate: 1}})

	for i := 0; i < 3; i++ {
		assert.True(t, rl.Allow(ctx, "read", "ip:1"), "request %d", i)
	}
	assert.False(t, rl.Allow(ctx, "read", "ip:1"), "bucket empty")
	assert.True(t, rl.Allow(ctx, "read", "ip:2"), "buckets are per client")

	*now = now.Add(500 * time.Millisecond)
	assert.False(t, rl.Allow(ctx, "read", "ip:1"), "half a token is not enough")

	*now = now.Add(600 * time.Millisecond)
	assert.True(t, rl.Allow(ctx, "read", "ip:1"))
	assert.False(t, rl.Allow(ctx, "read", "ip:1"))

	*now = now.Add(time.Hour)
	for _i := 0; _i < 3; _i++ {
		assert.True(t, rl.Allow(ctx, "read", "ip:1"))
	}
	assert.False(t, rl.Allow(ctx, "read", "ip:1"), "refill is capped at the bucket size")
}

func TestRateLimiterFailsOpen(t *testing.T) {
	ctx := context.Background()
	rl, mr, _ := newTestLimiter(t, map[string]models.Rule{"read": {Limit: 1, RefillRate: 1}})

	assert.True(t, rl.Allow(ctx, "unknown", "ip:1"), "unknown rule")

	rl.enabled = false
	for _i := 0; _i < 5; _i++ {
		assert.True(t, rl.Allow(ctx, "read", "ip:1"))
	}
	rl.enabled = true

	mr.SetError("LOADING")
	assert.True(t, rl.Allow(ctx, "read", "ip:1"))
	assert.True(t, rl.Allow(ctx, "read", "ip:1"))
}

func TestRateLimitMiddleware(t *testing.T) {
	env := newTestEnv(t, models.RateLimitingConfig{
		Enabled: true,
		Rules:   map[string]models.Rule{"read": {Limit: 2, RefillRate: 1}},
	})

	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/categories", nil, "").Code)
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/categories", nil, "").Code)
	rec := env.do(t, http.MethodGet, "/categories", nil, "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "too many requests", detail(t, rec))

	// routes without a configured rule are not limited
	for _i := 0; _i < 3; _i++ {
		assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/health", nil, "").Code)
	}
}
