// Package redis is a fixed-window limiter whose counters live in Redis, so
// every gateway process shares the same quota.
package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/AlexKimmel/digestgate/internal/ratelimit"
)

// checkScript resets elapsed windows and decides every counter first, then
// counts the call against all of them only if each one admits it. Times are
// milliseconds.
//
// KEYS[i] counter hash; ARGV[1] now, ARGV[2i] window, ARGV[2i+1] limit.
// Returns {allowed, count, window_start} for each key, flattened.
var checkScript = goredis.NewScript(`
local now = tonumber(ARGV[1])
local out = {}
local starts, counts = {}, {}
local admitted = true

for i = 1, #KEYS do
  local window = tonumber(ARGV[2 * i])
  local limit = tonumber(ARGV[2 * i + 1])
  local state = redis.call('HMGET', KEYS[i], 'start', 'count')
  local start = tonumber(state[1])
  local count = tonumber(state[2])
  if not start or not count or now - start >= window then
    start = now
    count = 0
  end
  local ok = 1
  if count >= limit then
    ok = 0
    admitted = false
  end
  starts[i], counts[i] = start, count
  out[3 * i - 2], out[3 * i - 1], out[3 * i] = ok, count, start
end

if admitted then
  for i = 1, #KEYS do
    counts[i] = counts[i] + 1
    out[3 * i - 1] = counts[i]
    redis.call('HSET', KEYS[i], 'start', starts[i], 'count', counts[i])
    redis.call('PEXPIRE', KEYS[i], ARGV[2 * i])
  end
end
return out
`)

type Limiter struct {
	rdb    goredis.UniversalClient
	prefix string
}

func New(rdb goredis.UniversalClient, prefix string) *Limiter {
	if prefix == "" {
		prefix = "ratelimit"
	}
	return &Limiter{rdb: rdb, prefix: prefix}
}

// Close leaves the shared client open.
func (l *Limiter) Close() error { return nil }

// counterKey tags the operation so every counter one call touches hashes to
// the same cluster slot.
func (l *Limiter) counterKey(k ratelimit.Key) string {
	return l.prefix + ":{" + k.Operation + "}:" + string(k.Category) + ":" + k.Identity
}

func (l *Limiter) Check(ctx context.Context, checks []ratelimit.Check, now time.Time) ([]ratelimit.Decision, error) {
	if len(checks) == 0 {
		return nil, nil
	}
	keys := make([]string, 0, len(checks))
	args := make([]any, 0, 1+2*len(checks))
	windows := make([]int64, 0, len(checks))
	args = append(args, now.UnixMilli())
	for _, c := range checks {
		window := c.Limit.Window.Milliseconds()
		if window <= 0 {
			window = 1
		}
		keys = append(keys, l.counterKey(c.Key))
		args = append(args, window, c.Limit.Limit)
		windows = append(windows, window)
	}

	res, err := checkScript.Run(ctx, l.rdb, keys, args...).Int64Slice()
	if err != nil {
		return nil, fmt.Errorf("redis rate limit %s: %w", checks[0].Key.Operation, err)
	}
	if len(res) != 3*len(checks) {
		return nil, fmt.Errorf("redis rate limit %s: unexpected reply %v", checks[0].Key.Operation, res)
	}

	out := make([]ratelimit.Decision, len(checks))
	for i, c := range checks {
		allowed, count, start := res[3*i] == 1, int(res[3*i+1]), res[3*i+2]
		reset := time.UnixMilli(start + windows[i])
		d := ratelimit.Decision{
			Allowed:      allowed,
			Limit:        c.Limit.Limit,
			Remaining:    max(c.Limit.Limit-count, 0),
			ResetUnixSec: reset.Unix(),
		}
		if !allowed {
			d.RetryAfter = reset.Sub(now)
		}
		out[i] = d
	}
	return out, nil
}
