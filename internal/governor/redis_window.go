package governor

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisReserveScript atomically prunes expired grants from a sorted set,
// checks the ceiling and records the new grant. Returns {1} on success or
// {0, oldest-score} when the window is full.
var redisReserveScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local ceiling = tonumber(ARGV[3])
local member = ARGV[4]

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
if count >= ceiling then
	local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
	return {0, oldest[2]}
end
redis.call('ZADD', key, now, member)
redis.call('PEXPIRE', key, window)
return {1}
`)

// RedisWindow is a rolling-window tracker backed by a Redis sorted set, for
// deployments where several processes share one upstream rate budget. All
// processes must configure the same key, ceiling and window.
type RedisWindow struct {
	client  redis.UniversalClient
	key     string
	ceiling int
	span    time.Duration
	timeout time.Duration
	seq     uint64
}

// NewRedisWindow creates a Redis-backed window tracker.
func NewRedisWindow(client redis.UniversalClient, key string, ceiling int, span time.Duration) *RedisWindow {
	return &RedisWindow{
		client:  client,
		key:     key,
		ceiling: ceiling,
		span:    span,
		timeout: 2 * time.Second,
	}
}

// Reserve implements WindowTracker. Redis errors deny the slot: losing a
// cycle to a flaky coordination store is safer than overrunning a shared
// budget that other processes are also drawing from.
func (w *RedisWindow) Reserve(now time.Time) (bool, time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()

	w.seq++
	member := now.Format(time.RFC3339Nano) + "/" + strconv.FormatUint(w.seq, 10)
	res, err := redisReserveScript.Run(ctx, w.client,
		[]string{w.key},
		now.UnixMilli(), w.span.Milliseconds(), w.ceiling, member,
	).Slice()
	if err != nil || len(res) == 0 {
		return false, now.Add(w.span / 10)
	}

	allowed, _ := res[0].(int64)
	if allowed == 1 {
		return true, time.Time{}
	}
	if len(res) > 1 {
		if oldest, ok := res[1].(string); ok {
			if ms := parseMillis(oldest); ms > 0 {
				return false, time.UnixMilli(ms).Add(w.span)
			}
		}
	}
	return false, now.Add(w.span / 10)
}

// InWindow implements WindowTracker.
func (w *RedisWindow) InWindow(now time.Time) int {
	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()

	cutoff := strconv.FormatInt(now.Add(-w.span).UnixMilli(), 10)
	n, err := w.client.ZCount(ctx, w.key, cutoff, "+inf").Result()
	if err != nil {
		return 0
	}
	return int(n)
}

func parseMillis(s string) int64 {
	if i := strings.IndexByte(s, '.'); i >= 0 {
		s = s[:i]
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return ms
}
