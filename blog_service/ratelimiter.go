package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/alimx07/Blogging_Backend/blog_service/metric"
	"github.com/alimx07/Blogging_Backend/blog_service/models"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// token bucket
// KEYS[1] bucket
// ARGV[1] refill rate (tokens/s), ARGV[2] bucket size, ARGV[3] now (ms)
var tokenBucketScript = redis.NewScript(`
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local bucket = redis.call('HMGET', KEYS[1], 'tokens', 'ts')
local tokens = tonumber(bucket[1])
local ts = tonumber(bucket[2])
if tokens == nil or ts == nil then
	tokens = capacity
	ts = now
end

local elapsed = math.max(0, now - ts)
tokens = math.min(capacity, tokens + elapsed * rate / 1000)

local allowed = 0
if tokens >= 1 then
	tokens = tokens - 1
	allowed = 1
end

redis.call('HSET', KEYS[1], 'tokens', tostring(tokens), 'ts', tostring(now))
redis.call('PEXPIRE', KEYS[1], math.ceil(capacity / rate * 1000) + 1000)
return allowed
`)

type RateLimiter struct {
	client  redis.UniversalClient
	enabled bool
	rules   map[string]models.Rule
	log     *zap.Logger
	metrics *metric.Metrics
	now     func() time.Time
}

func NewRateLimiter(client redis.UniversalClient, config models.RateLimitingConfig, log *zap.Logger, metrics *metric.Metrics) *RateLimiter {
	return &RateLimiter{
		client:  client,
		enabled: config.Enabled,
		rules:   config.Rules,
		log:     log,
		metrics: metrics,
		now:     time.Now,
	}
}

// Allow takes one token from id's bucket for the rule. It fails open when
// redis is unreachable or the rule is unknown.
func (rl *RateLimiter) Allow(ctx context.Context, ruleName, id string) bool {
	rule, ok := rl.rules[ruleName]
	if !rl.enabled || !ok {
		return true
	}
	key := fmt.Sprintf("ratelimit:%s:%s", ruleName, id)
	res, err := tokenBucketScript.Run(ctx, rl.client, []string{key}, rule.RefillRate, rule.Limit, rl.now().UnixMilli()).Int64()
	if err != nil {
		rl.log.Warn("rate limiter unavailable, allowing request", zap.String("rule", ruleName), zap.Error(err))
		return true
	}
	return res == 1
}

// Middleware limits per user when authenticated, per client IP otherwise.
func (rl *RateLimiter) Middleware(ruleName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := "ip:" + c.ClientIP()
		if p, ok := principalFrom(c); ok {
			id = "user:" + p.UserID
		}
		if !rl.Allow(c.Request.Context(), ruleName, id) {
			rl.metrics.RateLimited(ruleName)
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"detail": "too many requests"})
			return
		}
		c.Next()
	}
}
