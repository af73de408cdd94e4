package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// peekScript counts live entries in the window without committing.
// Returns: [count, oldestScore or -1]
var peekScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])

redis.call('ZREMRANGEBYSCORE', key, 0, now - window)
local count = redis.call('ZCARD', key)
local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
if #oldest >= 2 then
    return {count, tonumber(oldest[2])}
end
return {count, -1}
`)

// incrScript commits one hit and returns the new count.
// Returns: [count, oldestScore or -1]
var incrScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local member = ARGV[3]

redis.call('ZREMRANGEBYSCORE', key, 0, now - window)
redis.call('ZADD', key, now, member .. '-' .. math.random(1000000))
redis.call('PEXPIRE', key, window)
local count = redis.call('ZCARD', key)
local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
if #oldest >= 2 then
    return {count, tonumber(oldest[2])}
end
return {count, -1}
`)

// RedisCounterStore implements CounterStore on a shared Redis, giving every
// gateway replica the same view of each bucket. Entries are a sorted set per
// key scored by arrival time, so the window is exact rather than a two-bucket
// approximation.
type RedisCounterStore struct {
	client  *redis.Client
	prefix  string
	timeout time.Duration
}

// RedisCounterConfig holds configuration for the Redis counter store.
type RedisCounterConfig struct {
	Client  *redis.Client
	Prefix  string
	Timeout time.Duration
}

// NewRedisCounterStore creates a Redis-backed counter store.
func NewRedisCounterStore(cfg RedisCounterConfig) *RedisCounterStore {
	if cfg.Prefix == "" {
		cfg.Prefix = "gw:rl:"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 100 * time.Millisecond
	}
	return &RedisCounterStore{
		client:  cfg.Client,
		prefix:  cfg.Prefix,
		timeout: cfg.Timeout,
	}
}

// Peek implements CounterStore.
func (s *RedisCounterStore) Peek(ctx context.Context, key string, window time.Duration, now time.Time) (float64, time.Time, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	res, err := peekScript.Run(ctx, s.client,
		[]string{s.prefix + key},
		now.UnixMilli(),
		window.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return 0, time.Time{}, err
	}
	return float64(res[0]), resetFrom(res[1], window, now), nil
}

// Incr implements CounterStore.
func (s *RedisCounterStore) Incr(ctx context.Context, key string, window time.Duration, now time.Time) (float64, time.Time, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	member := now.Format(time.RFC3339Nano)
	res, err := incrScript.Run(ctx, s.client,
		[]string{s.prefix + key},
		now.UnixMilli(),
		window.Milliseconds(),
		member,
	).Int64Slice()
	if err != nil {
		return 0, time.Time{}, err
	}
	return float64(res[0]), resetFrom(res[1], window, now), nil
}

// resetFrom derives the next slot-free time from the oldest entry in the
// window; with no entries the window frees one period from now.
func resetFrom(oldestMs int64, window time.Duration, now time.Time) time.Time {
	if oldestMs < 0 {
		return now.Add(window)
	}
	return time.UnixMilli(oldestMs).Add(window)
}
