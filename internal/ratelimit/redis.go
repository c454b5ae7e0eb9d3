package ratelimit

import (
	"context"
	"fmt"
	"time"

	rd "github.com/go-redis/redis/v9"
	"github.com/google/uuid"
)

// slidingWindowScript trims the window, admits when under budget and returns
// {admitted, count, oldest score}. Scores are unix milliseconds.
var slidingWindowScript = rd.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
local admitted = 0
if count < limit then
  redis.call('ZADD', key, now, member)
  count = count + 1
  admitted = 1
end
redis.call('PEXPIRE', key, window)

local oldest = now
local first = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
if first[2] then
  oldest = tonumber(first[2])
end
return {admitted, count, oldest}
`)

const redisTimeout = 2 * time.Second

// RedisLimiter shares windows across processes through Redis sorted sets.
// When Redis is unreachable it fails open and logs the error.
type RedisLimiter struct {
	client rd.UniversalClient
	quotas map[Tier]Quota
	opts   options
}

// NewRedisClient builds a client for a single node or a cluster.
func NewRedisClient(cfg RedisConfig) rd.UniversalClient {
	return rd.NewUniversalClient(&rd.UniversalOptions{
		Addrs:    cfg.Addrs,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// NewRedisLimiter creates a limiter backed by client. A nil quotas map uses
// DefaultQuotas.
func NewRedisLimiter(client rd.UniversalClient, quotas map[Tier]Quota, opts ...Option) *RedisLimiter {
	if quotas == nil {
		quotas = DefaultQuotas()
	}
	return &RedisLimiter{client: client, quotas: quotas, opts: buildOptions(opts)}
}

func (r *RedisLimiter) key(tier Tier, key string) string {
	return fmt.Sprintf("%s:%s:%s", r.opts.prefix, tier, key)
}

// Allow runs the sliding-window script for key.
func (r *RedisLimiter) Allow(key string, tier Tier) (bool, Info) {
	tier, q := quotaFor(r.quotas, tier)
	now := r.opts.now()
	info := Info{Limit: q.Limit, Remaining: q.Limit, ResetAt: now.Add(q.Window)}

	ctx, cancel := context.WithTimeout(context.Background(), redisTimeout)
	defer cancel()

	res, err := slidingWindowScript.Run(ctx, r.client,
		[]string{r.key(tier, key)},
		now.UnixMilli(), q.Window.Milliseconds(), q.Limit, uuid.NewString(),
	).Int64Slice()
	if err != nil || len(res) != 3 {
		r.opts.logger.Error("rate limiter backend unavailable, admitting request",
			"key", key, "tier", string(tier), "error", err)
		return true, info
	}

	admitted, count, oldest := res[0] == 1, int(res[1]), time.UnixMilli(res[2])
	info.ResetAt = oldest.Add(q.Window)
	info.Remaining = q.Limit - count
	if info.Remaining < 0 {
		info.Remaining = 0
	}
	if !admitted {
		info.RetryAfter = info.ResetAt.Sub(now)
	}
	return admitted, info
}

// Reset deletes the windows of key in every tier.
func (r *RedisLimiter) Reset(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), redisTimeout)
	defer cancel()

	keys := make([]string, 0, len(r.quotas))
	for _, tier := range tiersOf(r.quotas) {
		keys = append(keys, r.key(tier, key))
	}
	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		r.opts.logger.Error("rate limiter reset failed", "key", key, "error", err)
	}
}

// Close releases the Redis connection pool.
func (r *RedisLimiter) Close() error {
	return r.client.Close()
}

var _ Limiter = (*RedisLimiter)(nil)
