// ratelimit.go -- Redis fixed-window rate limiter with lockout.
package store

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// allowScript counts an attempt and locks the key out once max is reached.
// KEYS[1] = attempt counter, KEYS[2] = lockout flag.
// ARGV[1] = max attempts, ARGV[2] = window ms, ARGV[3] = lockout ms.
// Returns 1 if allowed, 0 if locked out.
var allowScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[2]) == 1 then
  return 0
end
local n = redis.call('INCR', KEYS[1])
if n == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
if n > tonumber(ARGV[1]) then
  redis.call('SET', KEYS[2], '1', 'PX', ARGV[3])
  redis.call('DEL', KEYS[1])
  return 0
end
return 1
`)

// RedisRateLimiter enforces RateLimit policies with a Lua script so the
// check-and-increment is atomic across replicas.
type RedisRateLimiter struct {
	rdb *redis.Client
}

// NewRedisRateLimiter returns a limiter on a shared client.
func NewRedisRateLimiter(rdb *redis.Client) *RedisRateLimiter {
	return &RedisRateLimiter{rdb}
}

// Allow records an attempt for key under policy.
// Returns ErrRateLimitExceeded when locked out, a wrapped error on Redis failure.
// A policy with MaxAttempts <= 0 is disabled and always allows.
func (l *RedisRateLimiter) Allow(ctx context.Context, key string, policy RateLimit) error {
	if policy.MaxAttempts <= 0 || policy.Window <= 0 || policy.LockoutTTL <= 0 {
		return nil
	}
	res, err := allowScript.Run(ctx, l.rdb,
		[]string{"rl:" + key, "rl_lock:" + key},
		policy.MaxAttempts, policy.Window.Milliseconds(), policy.LockoutTTL.Milliseconds(),
	).Int()
	if err != nil {
		return fmt.Errorf("rate limit check: %w", err)
	}
	if res == 0 {
		return ErrRateLimitExceeded
	}
	return nil
}
