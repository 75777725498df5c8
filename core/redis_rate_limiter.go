package core

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const DefaultRateKeyPrefix = "sign-access:rate_limit"

// slidingWindowScript purges, counts and conditionally records in one step.
//
// KEYS[1] = window key
// ARGV[1] = now (ms)
// ARGV[2] = window (ms)
// ARGV[3] = max attempts
// ARGV[4] = unique member for this attempt
//
// Returns {admitted (1|0), count before this attempt}.
var slidingWindowScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', now - window)
local count = redis.call('ZCARD', KEYS[1])
if count >= tonumber(ARGV[3]) then
  return {0, count}
end
redis.call('ZADD', KEYS[1], now, ARGV[4])
redis.call('PEXPIRE', KEYS[1], window)
return {1, count}
`)

type RedisRateLimiter struct {
	conn      *RedisConn
	keyPrefix string
	now       func() time.Time
}

func NewRedisRateLimiter(conn *RedisConn, keyPrefix string) *RedisRateLimiter {
	if keyPrefix == "" {
		keyPrefix = DefaultRateKeyPrefix
	}
	return &RedisRateLimiter{
		conn:      conn,
		keyPrefix: keyPrefix,
		now:       time.Now,
	}
}

// WithClock replaces the clock that stamps attempts.
func (r *RedisRateLimiter) WithClock(now func() time.Time) *RedisRateLimiter {
	r.now = now
	return r
}

func (r *RedisRateLimiter) CheckAndRecord(ctx context.Context, client, endpoint string, maxAttempts int, window time.Duration) (Decision, error) {
	if maxAttempts <= 0 || window <= 0 {
		return Decision{}, fmt.Errorf("rate limit: max attempts and window must be positive")
	}
	rdb, err := r.conn.Client(ctx)
	if err != nil {
		return Decision{}, err
	}

	nowMs := r.now().UnixMilli()
	member := strconv.FormatInt(nowMs, 10) + "-" + uuid.NewString()
	key := rateKey(r.keyPrefix, client, endpoint)

	res, err := slidingWindowScript.Run(ctx, rdb, []string{key},
		nowMs, window.Milliseconds(), maxAttempts, member).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit script: %w", err)
	}
	if len(res) != 2 {
		return Decision{}, fmt.Errorf("rate limit script: unexpected reply %v", res)
	}

	count := int(res[1])
	if res[0] == 0 {
		return rejected(count, maxAttempts), nil
	}
	return admitted(count, maxAttempts), nil
}
