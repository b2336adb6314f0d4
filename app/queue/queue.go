package queue

import (
	"context"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// popDueScript reads and deletes due members in one script so that two drain
// workers can never both observe the same member. ZRANGEBYSCORE followed by a
// client-side ZREM would hand the same obligation to every concurrent drain.
var popDueScript = redis.NewScript(`
local due = redis.call("ZRANGEBYSCORE", KEYS[1], 0, ARGV[1], "LIMIT", 0, ARGV[2])
if #due > 0 then
  redis.call("ZREM", KEYS[1], unpack(due))
end
return due
`)

// Schedule is a time-ordered work queue on a redis sorted set. Members are
// obligation ids scored by due unix time.
type Schedule struct {
	client redis.UniversalClient
	key    string
}

func NewSchedule(client redis.UniversalClient, key string) *Schedule {
	trimmed := strings.TrimSpace(key)
	if trimmed == "" {
		trimmed = "autopay:schedule"
	}
	return &Schedule{client: client, key: trimmed}
}

func (s *Schedule) Push(ctx context.Context, member string, due time.Time) error {
	return s.client.ZAdd(ctx, s.key, redis.Z{
		Score:  float64(due.Unix()),
		Member: member,
	}).Err()
}

// PopDue atomically removes and returns up to limit members due at or before
// now, ordered by due time.
func (s *Schedule) PopDue(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}

	raw, err := popDueScript.Run(ctx, s.client, []string{s.key}, now.Unix(), limit).StringSlice()
	if err != nil {
		return nil, err
	}
	return raw, nil
}

// Remove deletes a member if it is still queued. False means the member was
// already popped (or never existed); a cancelling caller must then go after
// the resulting payment instead.
func (s *Schedule) Remove(ctx context.Context, member string) (bool, error) {
	removed, err := s.client.ZRem(ctx, s.key, member).Result()
	if err != nil {
		return false, err
	}
	return removed > 0, nil
}

// Len reports the number of queued members, due or not.
func (s *Schedule) Len(ctx context.Context) (int64, error) {
	return s.client.ZCard(ctx, s.key).Result()
}
