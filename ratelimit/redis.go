package ratelimit

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/redis/go-redis/v9"
)

// tokenBucketScript refills and consumes a bucket atomically.
// KEYS[1] bucket key; ARGV: rate/s, capacity, cost, now (unix seconds), ttl (seconds).
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now = tonumber(ARGV[4])
local ttl = tonumber(ARGV[5])

local state = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])

if not tokens or not last_refill then
    tokens = capacity
    last_refill = now
end

local elapsed = now - last_refill
if elapsed > 0 then
    tokens = math.min(capacity, tokens + elapsed * rate)
    last_refill = now
end

local allowed = 0
if tokens >= cost then
    tokens = tokens - cost
    allowed = 1
end

redis.call("HSET", key, "tokens", tostring(tokens), "last_refill", tostring(last_refill))
redis.call("EXPIRE", key, ttl)

return {allowed, math.floor(tokens)}
`)

// RedisLimiter shares buckets across API replicas.
type RedisLimiter struct {
	client redis.Scripter
	policy Policy
	prefix string
	now    func() time.Time
}

func NewRedisLimiter(client redis.Scripter, policy Policy, prefix string) *RedisLimiter {
	if prefix == "" {
		prefix = "ratelimit"
	}
	return &RedisLimiter{
		client: client,
		policy: policy.normalized(),
		prefix: prefix,
		now:    time.Now,
	}
}

func (l *RedisLimiter) WithClock(now func() time.Time) *RedisLimiter {
	l.now = now
	return l
}

func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	rps := l.policy.perSecond()
	now := float64(l.now().UnixMicro()) / 1e6
	// keep the key until a drained bucket would be full again
	ttl := int(math.Ceil(float64(l.policy.Burst)/rps)) + 1

	res, err := tokenBucketScript.Run(ctx, l.client, []string{l.prefix + ":" + key},
		rps, l.policy.Burst, 1, now, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("ratelimit: run script: %w", err)
	}

	results, ok := res.([]interface{})
	if !ok || len(results) != 2 {
		return false, fmt.Errorf("ratelimit: unexpected script reply %v", res)
	}
	allowed, _ := results[0].(int64)
	return allowed == 1, nil
}

// Fallback consults secondary whenever primary returns an error.
type Fallback struct {
	primary   Limiter
	secondary Limiter
}

func NewFallback(primary, secondary Limiter) *Fallback {
	return &Fallback{primary: primary, secondary: secondary}
}

func (f *Fallback) Allow(ctx context.Context, key string) (bool, error) {
	ok, err := f.primary.Allow(ctx, key)
	if err == nil {
		return ok, nil
	}
	return f.secondary.Allow(ctx, key)
}
