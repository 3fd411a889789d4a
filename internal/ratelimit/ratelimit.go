package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// TokenBucket is a redis-backed token bucket keyed by owner and action.
// Upload intake uses it to bound how fast a single owner can push files in.
type TokenBucket struct {
	redis    *redis.Client
	capacity int64
	refill   int64
	window   time.Duration
}

func NewTokenBucket(redisClient *redis.Client, capacity, refillRate int64) *TokenBucket {
	return &TokenBucket{
		redis:    redisClient,
		capacity: capacity,
		refill:   refillRate,
		window:   time.Minute,
	}
}

// Allow consumes one token for (ownerID, action) if available. The bucket
// state lives in redis so the limit holds across server instances; the Lua
// script keeps refill-and-consume atomic.
func (tb *TokenBucket) Allow(ctx context.Context, ownerID, action string) (bool, error) {
	key := fmt.Sprintf("rate_limit:%s:%s", action, ownerID)

	luaScript := `
		local key = KEYS[1]
		local capacity = tonumber(ARGV[1])
		local refill_rate = tonumber(ARGV[2])
		local window = tonumber(ARGV[3])
		local now = tonumber(ARGV[4])

		local bucket = redis.call('HMGET', key, 'tokens', 'last_refill')
		local tokens = tonumber(bucket[1]) or capacity
		local last_refill = tonumber(bucket[2]) or now

		local time_passed = now - last_refill
		local tokens_to_add = math.floor((time_passed / window) * refill_rate)

		if tokens_to_add > 0 then
			tokens = math.min(capacity, tokens + tokens_to_add)
			last_refill = now
		end

		if tokens > 0 then
			tokens = tokens - 1
			redis.call('HMSET', key, 'tokens', tokens, 'last_refill', last_refill)
			redis.call('EXPIRE', key, window * 2)
			return 1
		else
			redis.call('HMSET', key, 'tokens', tokens, 'last_refill', last_refill)
			redis.call('EXPIRE', key, window * 2)
			return 0
		end
	`

	now := time.Now().Unix()
	result, err := tb.redis.Eval(ctx, luaScript, []string{key},
		tb.capacity, tb.refill, int64(tb.window.Seconds()), now).Result()

	if err != nil {
		return false, fmt.Errorf("rate limit check failed: %w", err)
	}

	allowed, ok := result.(int64)
	if !ok {
		return false, fmt.Errorf("unexpected rate limit result type %T", result)
	}

	return allowed == 1, nil
}

// GetRemaining reports how many tokens (ownerID, action) has left without
// consuming one.
func (tb *TokenBucket) GetRemaining(ctx context.Context, ownerID, action string) (int64, error) {
	key := fmt.Sprintf("rate_limit:%s:%s", action, ownerID)

	tokens, err := tb.redis.HGet(ctx, key, "tokens").Int64()
	if err == redis.Nil {
		return tb.capacity, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get remaining tokens: %w", err)
	}

	return tokens, nil
}
