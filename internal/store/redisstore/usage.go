package redisstore

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/suPer8Hu/pet-assistant/internal/usage"
)

var _ usage.Ledger = (*UsageLedger)(nil)

// Day buckets only serve gating; reporting reads the history hash.
const dayBucketTTL = 40 * 24 * time.Hour

// UsageLedger implements usage.Ledger with one hash per (user, day). Every
// mutation is a Lua script, so check-and-increment runs atomically on the server.
//
//	usage:{uid}:day:{YYYY-MM-DD}  fields "<dim>:used", "<dim>:reserved" (expires)
//	usage:{uid}:days              set of touched days
//	usage:{uid}:history           field "<day>:<dim>" -> used, never expires
//	usage:{uid}:lifetime          field "<dim>" -> total
type UsageLedger struct {
	rdb *redis.Client
	now func() time.Time
}

func NewUsageLedger(s *Store) *UsageLedger {
	return &UsageLedger{rdb: s.rdb, now: time.Now}
}

// WithClock overrides the time source, for tests.
func (l *UsageLedger) WithClock(now func() time.Time) *UsageLedger {
	l.now = now
	return l
}

func dayKey(userID uint64, day string) string { return fmt.Sprintf("usage:{%d}:day:%s", userID, day) }
func daysKey(userID uint64) string            { return fmt.Sprintf("usage:{%d}:days", userID) }
func lifetimeKey(userID uint64) string        { return fmt.Sprintf("usage:{%d}:lifetime", userID) }
func historyKey(userID uint64) string         { return fmt.Sprintf("usage:{%d}:history", userID) }

// KEYS: day, days. ARGV: dim, amount, limit, ttl seconds, day.
// Returns {granted, used}.
var reserveScript = redis.NewScript(`
local used = tonumber(redis.call('HGET', KEYS[1], ARGV[1] .. ':used') or '0')
local reserved = tonumber(redis.call('HGET', KEYS[1], ARGV[1] .. ':reserved') or '0')
local amount = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
redis.call('SADD', KEYS[2], ARGV[5])
redis.call('EXPIRE', KEYS[1], ARGV[4])
if limit >= 0 and used + reserved + amount > limit then
  return {0, used}
end
redis.call('HINCRBY', KEYS[1], ARGV[1] .. ':reserved', amount)
return {1, used}
`)

// KEYS: day, lifetime, history. ARGV: dim, amount, day.
// Returns new used or -1 when nothing was reserved.
var commitScript = redis.NewScript(`
local reserved = tonumber(redis.call('HGET', KEYS[1], ARGV[1] .. ':reserved') or '0')
local amount = tonumber(ARGV[2])
if reserved < amount then
  return -1
end
redis.call('HINCRBY', KEYS[1], ARGV[1] .. ':reserved', -amount)
redis.call('HINCRBY', KEYS[2], ARGV[1], amount)
redis.call('HINCRBY', KEYS[3], ARGV[3] .. ':' .. ARGV[1], amount)
return redis.call('HINCRBY', KEYS[1], ARGV[1] .. ':used', amount)
`)

// KEYS: day. ARGV: dim, amount. Returns 1 when released, 0 when nothing was reserved.
var releaseScript = redis.NewScript(`
local reserved = tonumber(redis.call('HGET', KEYS[1], ARGV[1] .. ':reserved') or '0')
local amount = tonumber(ARGV[2])
if reserved < amount then
  return 0
end
redis.call('HINCRBY', KEYS[1], ARGV[1] .. ':reserved', -amount)
return 1
`)

// KEYS: day, days, lifetime, history. ARGV: dim, amount, ttl seconds, day. Returns new used.
var consumeScript = redis.NewScript(`
redis.call('SADD', KEYS[2], ARGV[4])
redis.call('EXPIRE', KEYS[1], ARGV[3])
redis.call('HINCRBY', KEYS[3], ARGV[1], ARGV[2])
redis.call('HINCRBY', KEYS[4], ARGV[4] .. ':' .. ARGV[1], ARGV[2])
return redis.call('HINCRBY', KEYS[1], ARGV[1] .. ':used', ARGV[2])
`)

func ttlSeconds() int64 { return int64(dayBucketTTL / time.Second) }

func (l *UsageLedger) Check(ctx context.Context, userID uint64, dim usage.Dimension, limit int64) (usage.Decision, error) {
	day := usage.DayKey(l.now())
	vals, err := l.rdb.HMGet(ctx, dayKey(userID, day), string(dim)+":used", string(dim)+":reserved").Result()
	if err != nil {
		return usage.Decision{}, err
	}
	return usage.Decide(dim, toInt(vals[0]), toInt(vals[1]), limit), nil
}

func (l *UsageLedger) Consume(ctx context.Context, userID uint64, dim usage.Dimension, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, usage.ErrInvalidAmount
	}
	day := usage.DayKey(l.now())
	return consumeScript.Run(ctx, l.rdb,
		[]string{dayKey(userID, day), daysKey(userID), lifetimeKey(userID), historyKey(userID)},
		string(dim), amount, ttlSeconds(), day,
	).Int64()
}

func (l *UsageLedger) Reserve(ctx context.Context, userID uint64, dim usage.Dimension, amount, limit int64) (*usage.Reservation, error) {
	if amount <= 0 {
		return nil, usage.ErrInvalidAmount
	}
	day := usage.DayKey(l.now())
	res, err := reserveScript.Run(ctx, l.rdb,
		[]string{dayKey(userID, day), daysKey(userID)},
		string(dim), amount, limit, ttlSeconds(), day,
	).Int64Slice()
	if err != nil {
		return nil, err
	}
	if len(res) != 2 {
		return nil, fmt.Errorf("redis usage: unexpected reserve reply %v", res)
	}
	if res[0] == 0 {
		return nil, &usage.LimitError{Dimension: dim, Limit: limit, Count: res[1]}
	}
	return &usage.Reservation{UserID: userID, Dimension: dim, Day: day, Amount: amount}, nil
}

func (l *UsageLedger) Commit(ctx context.Context, r *usage.Reservation) (int64, error) {
	n, err := commitScript.Run(ctx, l.rdb,
		[]string{dayKey(r.UserID, r.Day), lifetimeKey(r.UserID), historyKey(r.UserID)},
		string(r.Dimension), r.Amount, r.Day,
	).Int64()
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, usage.ErrUnknownReservation
	}
	return n, nil
}

func (l *UsageLedger) Release(ctx context.Context, r *usage.Reservation) error {
	n, err := releaseScript.Run(ctx, l.rdb, []string{dayKey(r.UserID, r.Day)}, string(r.Dimension), r.Amount).Int64()
	if err != nil {
		return err
	}
	if n == 0 {
		return usage.ErrUnknownReservation
	}
	return nil
}

func (l *UsageLedger) Today(ctx context.Context, userID uint64) (map[usage.Dimension]int64, error) {
	fields, err := l.rdb.HGetAll(ctx, dayKey(userID, usage.DayKey(l.now()))).Result()
	if err != nil {
		return nil, err
	}
	return usedCounts(fields), nil
}

func (l *UsageLedger) Lifetime(ctx context.Context, userID uint64) (usage.LifetimeStats, error) {
	stats := usage.LifetimeStats{
		Days:   make(map[string]map[usage.Dimension]int64),
		Totals: make(map[usage.Dimension]int64),
	}

	days, err := l.rdb.SMembers(ctx, daysKey(userID)).Result()
	if err != nil {
		return stats, err
	}
	for _, day := range days {
		stats.Days[day] = usedCounts(nil)
	}
	history, err := l.rdb.HGetAll(ctx, historyKey(userID)).Result()
	if err != nil {
		return stats, err
	}
	for field, v := range history {
		day, dim, ok := strings.Cut(field, ":")
		if !ok {
			continue
		}
		counts, ok := stats.Days[day]
		if !ok {
			counts = usedCounts(nil)
			stats.Days[day] = counts
		}
		counts[usage.Dimension(dim)] = toInt(v)
	}

	totals, err := l.rdb.HGetAll(ctx, lifetimeKey(userID)).Result()
	if err != nil {
		return stats, err
	}
	for _, d := range usage.Dimensions() {
		stats.Totals[d] = toInt(totals[string(d)])
	}
	return stats, nil
}

func usedCounts(fields map[string]string) map[usage.Dimension]int64 {
	out := make(map[usage.Dimension]int64, 4)
	for _, d := range usage.Dimensions() {
		out[d] = 0
	}
	for k, v := range fields {
		dim, ok := strings.CutSuffix(k, ":used")
		if !ok {
			continue
		}
		out[usage.Dimension(dim)] = toInt(v)
	}
	return out
}

func toInt(v any) int64 {
	switch x := v.(type) {
	case string:
		n, _ := strconv.ParseInt(x, 10, 64)
		return n
	case int64:
		return x
	}
	return 0
}
