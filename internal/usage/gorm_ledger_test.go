package usage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	gormsqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(gormsqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	// sqlite allows one writer; serialize through a single connection. This also
	// serializes the concurrent tests below, so they cannot catch a racy Reserve
	// on their own; TestReserve_StaleCheckCannotOverAdmit covers the interleaving.
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := db.AutoMigrate(Models()...); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func newTestLedger(t *testing.T) (*GormLedger, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 3, 14, 22, 0, 0, 0, time.UTC)}
	return NewGormLedger(openTestDB(t), WithClock(clock.Now)), clock
}

func TestConsume_ThenCheckDeniesAtLimit(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)
	const limit = 3

	for i := 1; i <= limit; i++ {
		d, err := l.Check(ctx, 7, Chat, limit)
		if err != nil {
			t.Fatalf("check %d: %v", i, err)
		}
		if !d.Allowed {
			t.Fatalf("check %d: expected allowed, got %+v", i, d)
		}
		n, err := l.Consume(ctx, 7, Chat, 1)
		if err != nil {
			t.Fatalf("consume %d: %v", i, err)
		}
		if n != int64(i) {
			t.Fatalf("consume %d: expected count %d, got %d", i, i, n)
		}
	}

	d, err := l.Check(ctx, 7, Chat, limit)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if d.Allowed {
		t.Fatalf("expected denial after %d consumes", limit)
	}
	if d.Reason == "" || d.Count != limit {
		t.Fatalf("unexpected decision: %+v", d)
	}

	// other dimensions are independent
	d, err = l.Check(ctx, 7, Document, 1)
	if err != nil || !d.Allowed {
		t.Fatalf("expected document allowed, got %+v err=%v", d, err)
	}
}

func TestNewDayStartsAtZero(t *testing.T) {
	ctx := context.Background()
	l, clock := newTestLedger(t)

	if _, err := l.Consume(ctx, 1, VoiceMessage, 2); err != nil {
		t.Fatalf("consume: %v", err)
	}
	d, _ := l.Check(ctx, 1, VoiceMessage, 2)
	if d.Allowed {
		t.Fatalf("expected denial on day one")
	}

	// 22:00 UTC + 3h crosses UTC midnight
	clock.Advance(3 * time.Hour)

	d, err := l.Check(ctx, 1, VoiceMessage, 2)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !d.Allowed || d.Count != 0 {
		t.Fatalf("expected fresh bucket, got %+v", d)
	}

	today, err := l.Today(ctx, 1)
	if err != nil {
		t.Fatalf("today: %v", err)
	}
	if len(today) != 4 {
		t.Fatalf("expected all four dimensions, got %v", today)
	}
	for dim, n := range today {
		if n != 0 {
			t.Fatalf("expected zero for %s, got %d", dim, n)
		}
	}

	var rows int64
	l.db.Model(&Record{}).Where("user_id = ? AND day = ?", 1, "2026-03-15").Count(&rows)
	if rows != 4 {
		t.Fatalf("expected 4 lazily created buckets, got %d", rows)
	}
}

func TestReserve_CommitAndRelease(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)

	r1, err := l.Reserve(ctx, 5, Document, 1, 2)
	if err != nil {
		t.Fatalf("reserve 1: %v", err)
	}
	r2, err := l.Reserve(ctx, 5, Document, 1, 2)
	if err != nil {
		t.Fatalf("reserve 2: %v", err)
	}

	// both slots are held, even though nothing is consumed yet
	_, err = l.Reserve(ctx, 5, Document, 1, 2)
	var le *LimitError
	if !errors.As(err, &le) || !errors.Is(err, ErrLimitReached) {
		t.Fatalf("expected limit error, got %v", err)
	}
	if le.Dimension != Document || le.Limit != 2 {
		t.Fatalf("unexpected limit error: %+v", le)
	}

	n, err := l.Commit(ctx, r1)
	if err != nil || n != 1 {
		t.Fatalf("commit: n=%d err=%v", n, err)
	}
	if err := l.Release(ctx, r2); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := l.Release(ctx, r2); !errors.Is(err, ErrUnknownReservation) {
		t.Fatalf("expected double release to fail, got %v", err)
	}

	// the released slot is available again
	r3, err := l.Reserve(ctx, 5, Document, 1, 2)
	if err != nil {
		t.Fatalf("reserve after release: %v", err)
	}
	if _, err := l.Commit(ctx, r3); err != nil {
		t.Fatalf("commit 3: %v", err)
	}

	stats, err := l.Lifetime(ctx, 5)
	if err != nil {
		t.Fatalf("lifetime: %v", err)
	}
	if stats.Totals[Document] != 2 {
		t.Fatalf("expected lifetime total 2, got %d", stats.Totals[Document])
	}
	if stats.Days["2026-03-14"][Document] != 2 {
		t.Fatalf("unexpected day stats: %v", stats.Days)
	}
}

func TestReserve_Unlimited(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)
	for i := 0; i < 10; i++ {
		r, err := l.Reserve(ctx, 9, Health, 1, Unlimited)
		if err != nil {
			t.Fatalf("reserve %d: %v", i, err)
		}
		if _, err := l.Commit(ctx, r); err != nil {
			t.Fatalf("commit %d: %v", i, err)
		}
	}
}

func TestCommit_SettlesInReservedDay(t *testing.T) {
	ctx := context.Background()
	l, clock := newTestLedger(t)

	r, err := l.Reserve(ctx, 3, Chat, 1, 5)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	clock.Advance(3 * time.Hour)
	if _, err := l.Commit(ctx, r); err != nil {
		t.Fatalf("commit: %v", err)
	}

	stats, err := l.Lifetime(ctx, 3)
	if err != nil {
		t.Fatalf("lifetime: %v", err)
	}
	if stats.Days["2026-03-14"][Chat] != 1 {
		t.Fatalf("expected usage on the reserved day, got %v", stats.Days)
	}
	today, _ := l.Today(ctx, 3)
	if today[Chat] != 0 {
		t.Fatalf("expected nothing on the new day, got %d", today[Chat])
	}
}

func TestReserve_ConcurrentNeverOverAdmits(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)
	const limit = 10

	var ok, denied atomic.Int64
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 2*limit; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			r, err := l.Reserve(ctx, 42, Chat, 1, limit)
			if err != nil {
				if errors.Is(err, ErrLimitReached) {
					denied.Add(1)
					return
				}
				t.Errorf("reserve: %v", err)
				return
			}
			if _, err := l.Commit(ctx, r); err != nil {
				t.Errorf("commit: %v", err)
				return
			}
			ok.Add(1)
		}()
	}
	close(start)
	wg.Wait()

	if ok.Load() != limit || denied.Load() != limit {
		t.Fatalf("expected %d successes and %d denials, got %d and %d", limit, limit, ok.Load(), denied.Load())
	}
	today, _ := l.Today(ctx, 42)
	if today[Chat] != limit {
		t.Fatalf("expected count %d, got %d", limit, today[Chat])
	}
}

// Two requests that both observed room under the limit. A check-then-update
// would admit both; the conditional update admits only the first.
func TestReserve_StaleCheckCannotOverAdmit(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)

	first, err := l.Check(ctx, 8, Document, 1)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	second, err := l.Check(ctx, 8, Document, 1)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !first.Allowed || !second.Allowed {
		t.Fatalf("both checks should see room: %+v %+v", first, second)
	}

	if _, err := l.Reserve(ctx, 8, Document, 1, 1); err != nil {
		t.Fatalf("first reserve: %v", err)
	}
	_, err = l.Reserve(ctx, 8, Document, 1, 1)
	var limitErr *LimitError
	if !errors.As(err, &limitErr) {
		t.Fatalf("second reserve should hit the limit, got %v", err)
	}
	if limitErr.Limit != 1 || limitErr.Dimension != Document {
		t.Fatalf("unexpected limit error: %+v", limitErr)
	}
}

func TestInvalidAmountIsRejected(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)

	if _, err := l.Reserve(ctx, 4, Health, 0, 5); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("reserve 0: got %v", err)
	}
	if _, err := l.Consume(ctx, 4, Health, -2); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("consume -2: got %v", err)
	}
	today, _ := l.Today(ctx, 4)
	if today[Health] != 0 {
		t.Fatalf("nothing should be metered, got %d", today[Health])
	}
}

type flakyCommits struct {
	Ledger
	failures int
	calls    int
}

func (f *flakyCommits) Commit(ctx context.Context, r *Reservation) (int64, error) {
	f.calls++
	if f.calls <= f.failures {
		return 0, errors.New("database is locked")
	}
	return f.Ledger.Commit(ctx, r)
}

func TestCommitWithRetry(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)

	once := &flakyCommits{Ledger: l, failures: 1}
	r, err := l.Reserve(ctx, 6, Chat, 1, 3)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	n, err := CommitWithRetry(ctx, once, r)
	if err != nil || n != 1 || once.calls != 2 {
		t.Fatalf("retry once: n=%d err=%v calls=%d", n, err, once.calls)
	}

	always := &flakyCommits{Ledger: l, failures: 5}
	r, err = l.Reserve(ctx, 6, Chat, 1, 3)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if _, err := CommitWithRetry(ctx, always, r); err == nil {
		t.Fatalf("expected error after two failures")
	}
	if always.calls != 2 {
		t.Fatalf("expected exactly one retry, got %d calls", always.calls)
	}
	// the unsettled reservation still holds its slot
	d, _ := l.Check(ctx, 6, Chat, 2)
	if d.Allowed {
		t.Fatalf("held reservation should count against the limit: %+v", d)
	}

	// an unknown reservation is not retried
	gone := &flakyCommits{Ledger: l}
	_, err = CommitWithRetry(ctx, gone, &Reservation{UserID: 99, Dimension: Chat, Day: "2026-03-14", Amount: 1})
	if !errors.Is(err, ErrUnknownReservation) || gone.calls != 1 {
		t.Fatalf("unknown reservation: err=%v calls=%d", err, gone.calls)
	}
}
