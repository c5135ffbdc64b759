package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "ratelimit"

// slideScript prunes, counts and records one hit as a single server-side step.
// KEYS[1] window key; ARGV: cutoff ms, now ms, max, ttl ms, member.
// Returns {allowed, count, oldest ms}.
var slideScript = redis.NewScript(`
local key = KEYS[1]
local cutoff = tonumber(ARGV[1])
local now = tonumber(ARGV[2])
local max = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', key, '-inf', cutoff)
local count = redis.call('ZCARD', key)
local oldest = now
local first = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
if #first > 0 then
	oldest = tonumber(first[2])
end
local allowed = 0
if count < max then
	redis.call('ZADD', key, now, ARGV[5])
	count = count + 1
	allowed = 1
end
redis.call('PEXPIRE', key, ARGV[4])
return {allowed, count, oldest}
`)

// Redis keeps each window in a sorted set scored by unix milliseconds. Every
// hit runs as one Lua script, so concurrent callers never interleave.
type Redis struct {
	client *redis.Client
	prefix string
}

// NewRedis wraps client. Keys are namespaced under prefix.
func NewRedis(client *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &Redis{client: client, prefix: prefix}
}

// Hit implements Store.
func (r *Redis) Hit(ctx context.Context, key string, now time.Time, window time.Duration, max int) (Decision, error) {
	if err := validate(window, max); err != nil {
		return Decision{}, err
	}
	redisKey := fmt.Sprintf("%s:%s", r.prefix, key)
	nowMs := now.UnixMilli()
	member := strconv.FormatInt(nowMs, 10) + "-" + uuid.NewString()

	res, err := slideScript.Run(ctx, r.client, []string{redisKey},
		now.Add(-window).UnixMilli(), nowMs, max, window.Milliseconds(), member,
	).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("ratelimit: redis hit: %w", err)
	}
	if len(res) != 3 {
		return Decision{}, fmt.Errorf("ratelimit: unexpected script reply %v", res)
	}

	d := Decision{Allowed: res[0] == 1, Count: int(res[1])}
	d.Remaining = max - d.Count
	if d.Remaining < 0 {
		d.Remaining = 0
	}
	d.ResetAt = time.UnixMilli(res[2]).Add(window).UTC()
	return d, nil
}
