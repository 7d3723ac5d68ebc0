package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// keyPrefix namespaces limiter state away from the print queue and any
// other keys sharing the Redis instance; requester names are caller input.
const keyPrefix = "ratelimit:submit:"

// TokenBucket throttles photo submissions per requester with a Redis-backed
// token bucket: a burst of capacity tokens, refilled continuously.
type TokenBucket struct {
	client   *redis.Client
	capacity int
	refill   float64 // tokens per second
	ttl      time.Duration
}

func NewTokenBucket(client *redis.Client, capacity int, refillPerSecond float64, ttl time.Duration) *TokenBucket {
	return &TokenBucket{
		client:   client,
		capacity: capacity,
		refill:   refillPerSecond,
		ttl:      ttl,
	}
}

// Allow consumes one token for the requester if available, returning the
// remaining token count. State refills lazily on access and expires after
// ttl of inactivity.
func (b *TokenBucket) Allow(ctx context.Context, requester string) (bool, float64, error) {
	now := time.Now().UnixMilli()
	res, err := bucketScript.Run(ctx, b.client,
		[]string{keyPrefix + requester},
		b.capacity, b.refill, now, b.ttl.Milliseconds(),
	).Result()
	if err != nil {
		return false, 0, fmt.Errorf("run limiter script: %w", err)
	}

	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return false, 0, fmt.Errorf("unexpected limiter reply: %#v", res)
	}
	allowed, ok := arr[0].(int64)
	if !ok {
		return false, 0, fmt.Errorf("unexpected limiter reply: %#v", res)
	}
	var tokens float64
	switch v := arr[1].(type) {
	case int64:
		tokens = float64(v)
	case float64:
		tokens = v
	default:
		return false, 0, fmt.Errorf("unexpected limiter reply: %#v", res)
	}
	return allowed == 1, tokens, nil
}

var bucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill_per_sec = tonumber(ARGV[2])
local now_ms = tonumber(ARGV[3])
local ttl_ms = tonumber(ARGV[4])

local state = redis.call('HMGET', key, 'tokens', 'refilled_ms')
local tokens = tonumber(state[1])
local refilled = tonumber(state[2])
if tokens == nil then tokens = capacity end
if refilled == nil then refilled = now_ms end

local elapsed = math.max(0, now_ms - refilled)
tokens = math.min(capacity, tokens + elapsed / 1000 * refill_per_sec)

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call('HMSET', key, 'tokens', tokens, 'refilled_ms', now_ms)
if ttl_ms > 0 then redis.call('PEXPIRE', key, ttl_ms) end
return {allowed, tokens}
`)
