package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Rate describes one bucket: burst capacity and steady refill.
type Rate struct {
	Capacity int
	PerSec   float64
}

// PerMinute builds a Rate allowing n requests per minute with burst n,
// matching the per-endpoint limits of the dashboard API.
func PerMinute(n int) Rate {
	return Rate{Capacity: n, PerSec: float64(n) / 60}
}

// TokenBucket is a distributed token bucket limiter on Redis. Buckets are
// keyed per caller and per route group, so every endpoint can carry its own
// rate while all API replicas share one view.
type TokenBucket struct {
	client *redis.Client
	ttl    time.Duration
}

// NewTokenBucket constructs a limiter. ttl bounds idle bucket retention.
func NewTokenBucket(client *redis.Client, ttl time.Duration) *TokenBucket {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &TokenBucket{client: client, ttl: ttl}
}

// Allow consumes one token from the bucket for key at the given rate.
// Returns the allowed flag and remaining token count.
func (b *TokenBucket) Allow(ctx context.Context, key string, rate Rate) (bool, float64, error) {
	now := time.Now().UnixMilli()
	res, err := bucketScript.Run(ctx, b.client, []string{"rl:" + key},
		rate.Capacity, rate.PerSec, now, b.ttl.Milliseconds()).Result()
	if err != nil {
		return false, 0, err
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return false, 0, err
	}
	allowed := arr[0].(int64) == 1
	var tokens float64
	switch v := arr[1].(type) {
	case int64:
		tokens = float64(v)
	case float64:
		tokens = v
	}
	return allowed, tokens, nil
}

var bucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2]) -- tokens per second
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local data = redis.call('HMGET', key, 'tokens', 'last_ms')
local tokens = tonumber(data[1])
local last = tonumber(data[2])
if tokens == nil then tokens = capacity end
if last == nil then last = now end

local delta = math.max(0, now - last)
local add = delta / 1000 * refill
tokens = math.min(capacity, tokens + add)

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call('HMSET', key, 'tokens', tokens, 'last_ms', now)
if ttl > 0 then redis.call('PEXPIRE', key, ttl) end
return {allowed, tokens}
`)
