// Package ratelimit throttles inbound gateway requests with a Redis sliding
// window shared by every gateway instance.
package ratelimit

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// slidingWindowScript admits a request when fewer than limit members are
// scored inside the window.
// KEYS[1] = window key
// ARGV[1] = now (unix ns)
// ARGV[2] = window (ns)
// ARGV[3] = limit
// Returns 1 when admitted, 0 when limited.
var slidingWindowScript = redis.NewScript(`
		local key    = KEYS[1]
		local now    = tonumber(ARGV[1])
		local window = tonumber(ARGV[2])
		local limit  = tonumber(ARGV[3])

		redis.call('ZREMRANGEBYSCORE', key, 0, now - window)

		if redis.call('ZCARD', key) >= limit then
			return 0
		end

		local member = tostring(now) .. tostring(math.random(1, 1000000))
		redis.call('ZADD', key, now, member)
		redis.call('PEXPIRE', key, math.ceil(window / 1000000))
		return 1
`)

const keyPrefix = "ratelimit:ingress:"

// Limiter admits at most Limit requests per Window for each key. Keys are
// route names such as "generate" or "batch".
type Limiter struct {
	rdb    *redis.Client
	limit  int
	window time.Duration
	log    *slog.Logger
}

// New returns a limiter allowing limit requests per window. A window of zero
// means one minute.
func New(rdb *redis.Client, limit int, window time.Duration, log *slog.Logger) *Limiter {
	if window <= 0 {
		window = time.Minute
	}
	if log == nil {
		log = slog.Default()
	}
	return &Limiter{rdb: rdb, limit: limit, window: window, log: log}
}

// Allow reports whether one more request for key fits in the current window.
// When Redis is unreachable the request is admitted.
func (l *Limiter) Allow(ctx context.Context, key string) (bool, error) {
	if l.limit <= 0 {
		return true, nil
	}
	res, err := slidingWindowScript.Run(ctx, l.rdb,
		[]string{keyPrefix + key},
		time.Now().UnixNano(), l.window.Nanoseconds(), l.limit,
	).Int()
	if err != nil {
		l.log.WarnContext(ctx, "rate_limit_degraded",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
		return true, nil
	}
	return res == 1, nil
}

// Limit returns the configured requests per window.
func (l *Limiter) Limit() int { return l.limit }
