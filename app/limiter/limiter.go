package limiter

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/cardpilot/ms-go-autopay/app/factory"
)

// slidingWindowScript prunes, records, and counts in one atomic sequence per
// key. A split prune/count/record would undercount concurrent bursts.
var slidingWindowScript = redis.NewScript(`
redis.call("ZREMRANGEBYSCORE", KEYS[1], 0, ARGV[1])
redis.call("ZADD", KEYS[1], ARGV[2], ARGV[3])
local count = redis.call("ZCARD", KEYS[1])
redis.call("PEXPIRE", KEYS[1], ARGV[4])
return count
`)

var counterScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return current
`)

// SlidingWindow is a redis-backed rate limiter over a continuous trailing
// window. Entries are timestamps in a sorted set; the window slides with every
// call rather than resetting on calendar boundaries.
type SlidingWindow struct {
	client redis.UniversalClient
	prefix string
	logger logrus.FieldLogger
}

func NewSlidingWindow(client redis.UniversalClient, prefix string) *SlidingWindow {
	trimmed := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if trimmed == "" {
		trimmed = "autopay:rate_limit"
	}

	return &SlidingWindow{
		client: client,
		prefix: trimmed,
		logger: factory.NewModuleLogger("rate-limiter"),
	}
}

// IsLimited records one attempt against key and reports whether the window now
// holds more than maxAttempts entries. The limiter fails open: if redis is
// unreachable the attempt is allowed and a degraded-mode event is logged,
// because blocking all payments on a limiter outage is the worse failure.
func (l *SlidingWindow) IsLimited(ctx context.Context, key string, maxAttempts int, window time.Duration) bool {
	if l == nil || l.client == nil || maxAttempts <= 0 || window <= 0 {
		return false
	}

	now := time.Now().UTC()
	windowStart := now.Add(-window).UnixMilli()

	count, err := slidingWindowScript.Run(ctx, l.client,
		[]string{l.key(key)},
		windowStart,
		now.UnixMilli(),
		windowMember(now),
		window.Milliseconds(),
	).Int64()
	if err != nil {
		l.logger.WithError(err).WithField("key", key).Warn("rate limiter degraded, failing open")
		return false
	}

	return count > int64(maxAttempts)
}

// Increment is a fixed-TTL counter for limits that do not need sliding-window
// precision. Returns the count after this increment; 0 means redis was
// unavailable (fail open).
func (l *SlidingWindow) Increment(ctx context.Context, key string, ttl time.Duration) int64 {
	if l == nil || l.client == nil || ttl <= 0 {
		return 0
	}

	count, err := counterScript.Run(ctx, l.client, []string{l.key("counter:" + key)}, ttl.Milliseconds()).Int64()
	if err != nil {
		l.logger.WithError(err).WithField("key", key).Warn("rate limiter counter degraded, failing open")
		return 0
	}
	return count
}

// RemainingTime reports how long until the oldest recorded attempt leaves the
// window, i.e. when a limited caller may try again.
func (l *SlidingWindow) RemainingTime(ctx context.Context, key string, window time.Duration) (time.Duration, error) {
	oldest, err := l.client.ZRangeWithScores(ctx, l.key(key), 0, 0).Result()
	if err != nil {
		return 0, err
	}
	if len(oldest) == 0 {
		return 0, nil
	}

	expiresAt := time.UnixMilli(int64(oldest[0].Score)).Add(window)
	remaining := time.Until(expiresAt)
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

func (l *SlidingWindow) Reset(ctx context.Context, key string) error {
	return l.client.Del(ctx, l.key(key)).Err()
}

func (l *SlidingWindow) key(key string) string {
	return l.prefix + ":" + key
}

// windowMember builds the sorted-set member for one attempt. The random suffix
// keeps simultaneous attempts from collapsing into a single entry, which would
// undercount the burst.
func windowMember(now time.Time) string {
	return fmt.Sprintf("%d:%s", now.UnixNano(), uuid.NewString())
}
