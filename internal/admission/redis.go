package admission

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// slidingWindow prunes, counts and records in one round trip so concurrent
// engine instances cannot both take the last slot.
//
// KEYS[1] window key
// ARGV    now_ms, window_ms, max, member
// returns {allowed, retry_after_ms, remaining}
var slidingWindow = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local max = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
if count < max then
  redis.call('ZADD', key, now, ARGV[4])
  redis.call('PEXPIRE', key, window)
  return {1, 0, max - count - 1}
end

local retry = window
local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
if oldest[2] then
  retry = tonumber(oldest[2]) + window - now
end
return {0, retry, 0}
`)

// RedisLimiter keeps windows in a Redis sorted set per key, shared by every
// engine instance pointing at the same server.
type RedisLimiter struct {
	client  redis.UniversalClient
	timeout time.Duration
}

// RedisOptions mirrors the subset of redis.Options the engine configures.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Timeout  time.Duration
}

// NewRedisLimiter connects to Redis and verifies the connection.
func NewRedisLimiter(ctx context.Context, opts RedisOptions) (*RedisLimiter, error) {
	if opts.Addr == "" {
		return nil, fmt.Errorf("redis addr cannot be empty")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = time.Second
	}
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  opts.Timeout,
		WriteTimeout: opts.Timeout,
		PoolSize:     20,
		MinIdleConns: 2,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}
	return &RedisLimiter{client: client, timeout: opts.Timeout}, nil
}

// NewRedisLimiterFromClient wraps an existing client.
func NewRedisLimiterFromClient(client redis.UniversalClient, timeout time.Duration) *RedisLimiter {
	if timeout <= 0 {
		timeout = time.Second
	}
	return &RedisLimiter{client: client, timeout: timeout}
}

func (r *RedisLimiter) Allow(ctx context.Context, key string, policy Policy, now time.Time) (Decision, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	member := strconv.FormatInt(now.UnixMilli(), 10) + "-" + uuid.NewString()
	raw, err := slidingWindow.Run(ctx, r.client, []string{key},
		now.UnixMilli(), policy.Window.Milliseconds(), policy.Max, member).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("evaluating window script: %w", err)
	}
	if len(raw) != 3 {
		return Decision{}, fmt.Errorf("unexpected window script reply %v", raw)
	}

	if raw[0] == 1 {
		return Decision{Allowed: true, Remaining: int(raw[2])}, nil
	}
	retry := time.Duration(raw[1]) * time.Millisecond
	if retry < time.Millisecond {
		retry = time.Millisecond
	}
	return Decision{RetryAfter: retry}, nil
}

func (r *RedisLimiter) Close() error {
	return r.client.Close()
}
