package ratelimit

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "ledger:ratelimit:"

// slidingWindowScript trims entries older than the window and records the
// attempt only when it fits, so rejected attempts do not extend the block.
// Returns {allowed, remaining, oldest score in ms}.
var slidingWindowScript = redis.NewScript(`
redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", "(" .. ARGV[1])
local count = redis.call("ZCARD", KEYS[1])
local limit = tonumber(ARGV[3])
local allowed = 0
if count < limit then
	redis.call("ZADD", KEYS[1], ARGV[2], ARGV[4])
	count = count + 1
	allowed = 1
end
redis.call("PEXPIRE", KEYS[1], ARGV[5])
local oldest = redis.call("ZRANGE", KEYS[1], 0, 0, "WITHSCORES")
local oldestScore = ARGV[2]
if oldest[2] then
	oldestScore = oldest[2]
end
return {allowed, limit - count, oldestScore}
`)

// RedisLimiter implements Limiter using Redis sorted sets and a sliding window.
type RedisLimiter struct {
	client *redis.Client
	now    func() time.Time
	log    *slog.Logger
}

var _ Limiter = (*RedisLimiter)(nil)

// NewRedisLimiter creates a Redis-backed Limiter implementation.
func NewRedisLimiter(client *redis.Client, log *slog.Logger) *RedisLimiter {
	if log == nil {
		log = slog.Default()
	}

	return &RedisLimiter{
		client: client,
		now:    time.Now,
		log:    log,
	}
}

// WithClock replaces the time source, for tests.
func (l *RedisLimiter) WithClock(now func() time.Time) *RedisLimiter {
	if now != nil {
		l.now = now
	}
	return l
}

// Check evaluates the rate limit for a given key using a sliding window algorithm.
func (l *RedisLimiter) Check(ctx context.Context, key string, limit int, window time.Duration) (*Result, error) {
	if l.client == nil {
		return nil, errors.New("redis client is not configured for rate limiting")
	}

	now := l.now()
	if limit <= 0 {
		return &Result{Allowed: false, Remaining: 0, ResetAt: now.Add(window)}, nil
	}

	cutoff := now.Add(-window).UnixMilli()
	score := now.UnixMilli()

	raw, err := slidingWindowScript.Run(ctx, l.client, []string{keyPrefix + key},
		strconv.FormatInt(cutoff, 10),
		strconv.FormatInt(score, 10),
		limit,
		uuid.NewString(),
		(window * 2).Milliseconds(),
	).Slice()
	if err != nil {
		l.log.Error("rate limiter script failed", slog.String("key", key), slog.Any("error", err))
		return nil, err
	}
	if len(raw) != 3 {
		return nil, errors.New("rate limiter: unexpected script reply")
	}

	allowed, _ := raw[0].(int64)
	remaining, _ := raw[1].(int64)
	oldest := score
	if f, err := strconv.ParseFloat(toString(raw[2]), 64); err == nil {
		oldest = int64(f)
	}

	return &Result{
		Allowed:   allowed == 1,
		Remaining: max(int(remaining), 0),
		ResetAt:   time.UnixMilli(oldest).Add(window),
	}, nil
}

func toString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case int64:
		return strconv.FormatInt(s, 10)
	default:
		return ""
	}
}
