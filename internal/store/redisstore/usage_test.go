package redisstore

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/suPer8Hu/pet-assistant/internal/usage"
)

// testLedger runs against REDIS_ADDR when set and an in-process miniredis
// otherwise. The returned server is nil for a real Redis.
func testLedger(t *testing.T, now time.Time) (*UsageLedger, uint64, *miniredis.Miniredis) {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	var mr *miniredis.Miniredis
	if addr == "" {
		mr = miniredis.RunT(t)
		addr = mr.Addr()
	}
	s := New(addr, os.Getenv("REDIS_PASSWORD"), 15)
	require.NoError(t, s.Ping(context.Background()))
	t.Cleanup(func() { _ = s.Close() })

	userID := uint64(time.Now().UnixNano())
	return NewUsageLedger(s).WithClock(func() time.Time { return now }), userID, mr
}

func TestUsageLedger_ReserveCommitRelease(t *testing.T) {
	ctx := context.Background()
	l, uid, _ := testLedger(t, time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC))

	r1, err := l.Reserve(ctx, uid, usage.Chat, 1, 2)
	require.NoError(t, err)
	r2, err := l.Reserve(ctx, uid, usage.Chat, 1, 2)
	require.NoError(t, err)

	_, err = l.Reserve(ctx, uid, usage.Chat, 1, 2)
	assert.True(t, errors.Is(err, usage.ErrLimitReached))

	n, err := l.Commit(ctx, r1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	require.NoError(t, l.Release(ctx, r2))
	assert.ErrorIs(t, l.Release(ctx, r2), usage.ErrUnknownReservation)
	_, err = l.Commit(ctx, r2)
	assert.ErrorIs(t, err, usage.ErrUnknownReservation)

	d, err := l.Check(ctx, uid, usage.Chat, 2)
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	_, err = l.Consume(ctx, uid, usage.Chat, 1)
	require.NoError(t, err)
	d, err = l.Check(ctx, uid, usage.Chat, 2)
	require.NoError(t, err)
	assert.False(t, d.Allowed)

	today, err := l.Today(ctx, uid)
	require.NoError(t, err)
	assert.Equal(t, int64(2), today[usage.Chat])
	assert.Equal(t, int64(0), today[usage.VoiceMessage])

	stats, err := l.Lifetime(ctx, uid)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Totals[usage.Chat])
	assert.Equal(t, int64(2), stats.Days["2026-05-01"][usage.Chat])
}

func TestUsageLedger_UnlimitedAndInvalidAmount(t *testing.T) {
	ctx := context.Background()
	l, uid, _ := testLedger(t, time.Date(2026, 5, 2, 8, 0, 0, 0, time.UTC))

	for i := 0; i < 5; i++ {
		r, err := l.Reserve(ctx, uid, usage.Health, 1, usage.Unlimited)
		require.NoError(t, err)
		_, err = l.Commit(ctx, r)
		require.NoError(t, err)
	}

	_, err := l.Reserve(ctx, uid, usage.Health, 0, usage.Unlimited)
	assert.ErrorIs(t, err, usage.ErrInvalidAmount)
	_, err = l.Consume(ctx, uid, usage.Health, -1)
	assert.ErrorIs(t, err, usage.ErrInvalidAmount)

	today, err := l.Today(ctx, uid)
	require.NoError(t, err)
	assert.Equal(t, int64(5), today[usage.Health])
}

func TestUsageLedger_HistoryOutlivesDayBuckets(t *testing.T) {
	ctx := context.Background()
	l, uid, mr := testLedger(t, time.Date(2026, 1, 3, 9, 0, 0, 0, time.UTC))
	if mr == nil {
		t.Skip("needs miniredis to fast-forward expiry")
	}

	_, err := l.Consume(ctx, uid, usage.VoiceMessage, 3)
	require.NoError(t, err)
	r, err := l.Reserve(ctx, uid, usage.Document, 1, 5)
	require.NoError(t, err)
	_, err = l.Commit(ctx, r)
	require.NoError(t, err)

	mr.FastForward(dayBucketTTL + time.Hour)
	l.WithClock(func() time.Time { return time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC) })
	assert.False(t, mr.DB(15).Exists(dayKey(uid, "2026-01-03")))

	stats, err := l.Lifetime(ctx, uid)
	require.NoError(t, err)
	require.Contains(t, stats.Days, "2026-01-03")
	assert.Equal(t, int64(3), stats.Days["2026-01-03"][usage.VoiceMessage])
	assert.Equal(t, int64(1), stats.Days["2026-01-03"][usage.Document])
	assert.Equal(t, int64(0), stats.Days["2026-01-03"][usage.Chat])
	assert.Equal(t, int64(3), stats.Totals[usage.VoiceMessage])

	today, err := l.Today(ctx, uid)
	require.NoError(t, err)
	assert.Equal(t, int64(0), today[usage.VoiceMessage])
}

func TestUsageLedger_ConcurrentNeverOverAdmits(t *testing.T) {
	ctx := context.Background()
	l, uid, _ := testLedger(t, time.Now())
	const limit = 25

	var ok atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 2*limit; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := l.Reserve(ctx, uid, usage.Document, 1, limit)
			if err != nil {
				return
			}
			if _, err := l.Commit(ctx, r); err == nil {
				ok.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(limit), ok.Load())
}

func TestUsageLedger_GateAdmitsExactlyLimit(t *testing.T) {
	ctx := context.Background()
	l, uid, _ := testLedger(t, time.Now())
	const n = 10
	gate := usage.NewGate(l, usage.Limits{usage.Chat: n}, "upgrade", nil)

	var admitted, denied atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 2*n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := gate.Admit(ctx, uid, usage.Chat)
			if !res.Proceed() {
				denied.Add(1)
				return
			}
			if _, err := l.Commit(ctx, res.Reservation); err == nil {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(n), admitted.Load())
	assert.Equal(t, int64(n), denied.Load())
	today, err := l.Today(ctx, uid)
	require.NoError(t, err)
	assert.Equal(t, int64(n), today[usage.Chat])
}
