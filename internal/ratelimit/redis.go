package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// slidingLogScript checks and records one request atomically.
//
// KEYS[1] sorted-set log, KEYS[2] block marker.
// ARGV: now_ms, window_ms, capacity, block_ms, member.
// Returns {allowed (0|1), retry_after_ms}.
var slidingLogScript = redis.NewScript(`
local blocked = redis.call('PTTL', KEYS[2])
if blocked > 0 then
  return {0, blocked}
end

local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', now - window)

if redis.call('ZCARD', KEYS[1]) >= tonumber(ARGV[3]) then
  local block = tonumber(ARGV[4])
  if block > 0 then
    redis.call('SET', KEYS[2], '1', 'PX', block)
    return {0, block}
  end
  local oldest = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
  local retry = tonumber(oldest[2]) + window - now
  if retry < 1 then retry = 1 end
  return {0, retry}
end

redis.call('ZADD', KEYS[1], now, ARGV[5])
redis.call('PEXPIRE', KEYS[1], window)
return {1, 0}
`)

// RedisLimiter shares the budget across instances through Redis. When Redis
// is unreachable it degrades to a process-local limiter.
type RedisLimiter struct {
	client   redis.UniversalClient
	cfg      Config
	prefix   string
	fallback *MemoryLimiter
}

// NewRedisLimiter wraps an existing client.
func NewRedisLimiter(client redis.UniversalClient, cfg Config) *RedisLimiter {
	return &RedisLimiter{
		client:   client,
		cfg:      cfg,
		prefix:   "ratelimit:",
		fallback: NewMemoryLimiter(cfg),
	}
}

// NewRedisLimiterFromURL connects using a redis:// URL.
func NewRedisLimiterFromURL(redisURL string, cfg Config) (*RedisLimiter, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return NewRedisLimiter(redis.NewClient(opt), cfg), nil
}

// Allow runs the sliding-log script for key.
func (l *RedisLimiter) Allow(ctx context.Context, key string) (Decision, error) {
	now := time.Now().UnixMilli()
	res, err := slidingLogScript.Run(ctx, l.client,
		[]string{l.prefix + key, l.prefix + key + ":block"},
		now,
		l.cfg.Window.Milliseconds(),
		l.cfg.Capacity,
		l.cfg.Block.Milliseconds(),
		fmt.Sprintf("%d-%s", now, uuid.NewString()),
	).Int64Slice()
	if err != nil || len(res) != 2 {
		log.Warn().Err(err).Str("key", key).Msg("Redis rate limiter unavailable, using in-memory fallback")
		return l.fallback.Allow(ctx, key)
	}

	if res[0] == 1 {
		return Decision{Allowed: true}, nil
	}
	return Decision{RetryAfter: time.Duration(res[1]) * time.Millisecond}, nil
}

// Close closes the Redis client.
func (l *RedisLimiter) Close() error {
	return l.client.Close()
}
