package ratelimit

import (
	"context"
	"errors"
	"math"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Balances are kept in thousandths of a token: redis truncates Lua numbers
// to integers on the way out.
const tokenBucketScript = `
local rate = tonumber(ARGV[1])
local cap = tonumber(ARGV[2]) * 1000
local ttl = tonumber(ARGV[3])

local t = redis.call("TIME")
local now = t[1] * 1000 + math.floor(t[2] / 1000)

local state = redis.call("HMGET", KEYS[1], "tokens", "ts")
local tokens = tonumber(state[1]) or cap
local last = tonumber(state[2]) or now
if now > last then
  tokens = math.min(cap, tokens + math.floor((now - last) * rate))
end

local allowed = 0
local wait = 0
if tokens >= 1000 then
  allowed = 1
  tokens = tokens - 1000
else
  wait = math.ceil((1000 - tokens) / rate)
end

redis.call("HSET", KEYS[1], "tokens", tokens, "ts", now)
redis.call("PEXPIRE", KEYS[1], ttl)

return {allowed, tokens, wait, now}
`

var (
	errBucketUnconfigured = errors.New("rate limiter not configured")
	errBucketKey          = errors.New("rate limiter key is empty")
	errBucketLimits       = errors.New("rate limiter rate and burst must be positive")
)

// TokenBucket is a redis-backed token bucket shared by every API replica.
type TokenBucket struct {
	client *redis.Client
	script *redis.Script
}

type RateLimitResult struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetTime  time.Time
	RetryAfter time.Duration
}

func NewTokenBucket(client *redis.Client) *TokenBucket {
	if client == nil {
		return nil
	}
	return &TokenBucket{client: client, script: redis.NewScript(tokenBucketScript)}
}

// Allow takes one token from key. rate is tokens per second and burst the
// bucket capacity.
func (t *TokenBucket) Allow(ctx context.Context, key string, rate float64, burst int) (*RateLimitResult, error) {
	denied := &RateLimitResult{Limit: burst}
	switch {
	case t == nil || t.client == nil:
		return denied, errBucketUnconfigured
	case key == "":
		return denied, errBucketKey
	case rate <= 0 || burst <= 0:
		return denied, errBucketLimits
	}

	// The script works in milliseconds, so the per-ms refill in thousandths equals rate.
	reply, err := t.script.Run(ctx, t.client, []string{key}, rate, burst, bucketTTL(rate, burst).Milliseconds()).Int64Slice()
	if err != nil {
		return denied, err
	}
	if len(reply) != 4 {
		return denied, errors.New("rate limiter: unexpected script reply")
	}

	wait := time.Duration(reply[2]) * time.Millisecond
	return &RateLimitResult{
		Allowed:    reply[0] == 1,
		Limit:      burst,
		Remaining:  int(reply[1] / 1000),
		ResetTime:  time.UnixMilli(reply[3]).Add(wait),
		RetryAfter: wait,
	}, nil
}

// bucketTTL lets an idle bucket expire after twice the time it takes to refill.
func bucketTTL(rate float64, burst int) time.Duration {
	seconds := math.Max(1, math.Ceil(float64(burst)/rate*2))
	return time.Duration(seconds) * time.Second
}
