package usage

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var _ Ledger = (*GormLedger)(nil)

// ErrUnknownReservation means a commit or release found nothing reserved to settle.
var ErrUnknownReservation = errors.New("usage reservation not found")

// GormLedger keeps buckets in the relational store. Reserve is a single
// conditional UPDATE, which the database applies atomically per row.
type GormLedger struct {
	db  *gorm.DB
	now func() time.Time
}

type LedgerOption func(*GormLedger)

// WithClock overrides the time source used to pick the day bucket.
func WithClock(now func() time.Time) LedgerOption {
	return func(l *GormLedger) { l.now = now }
}

func NewGormLedger(db *gorm.DB, opts ...LedgerOption) *GormLedger {
	l := &GormLedger{db: db, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// ensureDay lazily creates zeroed buckets for every dimension of day.
func (l *GormLedger) ensureDay(tx *gorm.DB, userID uint64, day string) error {
	rows := make([]Record, 0, 4)
	for _, d := range Dimensions() {
		rows = append(rows, Record{UserID: userID, Dimension: string(d), Day: day, DailyLimit: Unlimited})
	}
	return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&rows).Error
}

func bucketScope(userID uint64, dim Dimension, day string) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		return db.Where("user_id = ? AND dimension = ? AND day = ?", userID, string(dim), day)
	}
}

func (l *GormLedger) bucket(tx *gorm.DB, userID uint64, dim Dimension, day string) (Record, error) {
	var rec Record
	err := tx.Scopes(bucketScope(userID, dim, day)).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Record{UserID: userID, Dimension: string(dim), Day: day}, nil
	}
	return rec, err
}

func (l *GormLedger) Check(ctx context.Context, userID uint64, dim Dimension, limit int64) (Decision, error) {
	db := l.db.WithContext(ctx)
	day := DayKey(l.now())
	if err := l.ensureDay(db, userID, day); err != nil {
		return Decision{}, err
	}
	rec, err := l.bucket(db, userID, dim, day)
	if err != nil {
		return Decision{}, err
	}
	return Decide(dim, rec.Count, rec.Reserved, limit), nil
}

func (l *GormLedger) Consume(ctx context.Context, userID uint64, dim Dimension, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}
	day := DayKey(l.now())

	var count int64
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := l.ensureDay(tx, userID, day); err != nil {
			return err
		}
		if err := tx.Model(&Record{}).Scopes(bucketScope(userID, dim, day)).
			Update("used_count", gorm.Expr("used_count + ?", amount)).Error; err != nil {
			return err
		}
		if err := addLifetime(tx, userID, dim, amount); err != nil {
			return err
		}
		rec, err := l.bucket(tx, userID, dim, day)
		count = rec.Count
		return err
	})
	return count, err
}

func (l *GormLedger) Reserve(ctx context.Context, userID uint64, dim Dimension, amount, limit int64) (*Reservation, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	db := l.db.WithContext(ctx)
	day := DayKey(l.now())
	if err := l.ensureDay(db, userID, day); err != nil {
		return nil, err
	}

	q := db.Model(&Record{}).Scopes(bucketScope(userID, dim, day))
	if limit != Unlimited {
		q = q.Where("used_count + reserved + ? <= ?", amount, limit)
	}
	res := q.Updates(map[string]any{
		"reserved":    gorm.Expr("reserved + ?", amount),
		"daily_limit": limit,
	})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		rec, err := l.bucket(db, userID, dim, day)
		if err != nil {
			return nil, err
		}
		return nil, &LimitError{Dimension: dim, Limit: limit, Count: rec.Count}
	}
	return &Reservation{UserID: userID, Dimension: dim, Day: day, Amount: amount}, nil
}

func (l *GormLedger) Commit(ctx context.Context, r *Reservation) (int64, error) {
	var count int64
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&Record{}).Scopes(bucketScope(r.UserID, r.Dimension, r.Day)).
			Where("reserved >= ?", r.Amount).
			Updates(map[string]any{
				"used_count": gorm.Expr("used_count + ?", r.Amount),
				"reserved":   gorm.Expr("reserved - ?", r.Amount),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrUnknownReservation
		}
		if err := addLifetime(tx, r.UserID, r.Dimension, r.Amount); err != nil {
			return err
		}
		rec, err := l.bucket(tx, r.UserID, r.Dimension, r.Day)
		count = rec.Count
		return err
	})
	return count, err
}

func (l *GormLedger) Release(ctx context.Context, r *Reservation) error {
	res := l.db.WithContext(ctx).Model(&Record{}).Scopes(bucketScope(r.UserID, r.Dimension, r.Day)).
		Where("reserved >= ?", r.Amount).
		Update("reserved", gorm.Expr("reserved - ?", r.Amount))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrUnknownReservation
	}
	return nil
}

func (l *GormLedger) Today(ctx context.Context, userID uint64) (map[Dimension]int64, error) {
	var recs []Record
	if err := l.db.WithContext(ctx).
		Where("user_id = ? AND day = ?", userID, DayKey(l.now())).
		Find(&recs).Error; err != nil {
		return nil, err
	}
	out := zeroBucket()
	for _, r := range recs {
		out[Dimension(r.Dimension)] = r.Count
	}
	return out, nil
}

func (l *GormLedger) Lifetime(ctx context.Context, userID uint64) (LifetimeStats, error) {
	db := l.db.WithContext(ctx)
	stats := newLifetimeStats()

	var recs []Record
	if err := db.Where("user_id = ?", userID).Order("day ASC").Find(&recs).Error; err != nil {
		return stats, err
	}
	for _, r := range recs {
		day, ok := stats.Days[r.Day]
		if !ok {
			day = zeroBucket()
			stats.Days[r.Day] = day
		}
		day[Dimension(r.Dimension)] = r.Count
	}

	var totals []LifetimeTotal
	if err := db.Where("user_id = ?", userID).Find(&totals).Error; err != nil {
		return stats, err
	}
	for _, d := range Dimensions() {
		stats.Totals[d] = 0
	}
	for _, t := range totals {
		stats.Totals[Dimension(t.Dimension)] = t.Total
	}
	return stats, nil
}

func addLifetime(tx *gorm.DB, userID uint64, dim Dimension, amount int64) error {
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "dimension"}},
		DoUpdates: clause.Assignments(map[string]any{"total": gorm.Expr("total + ?", amount)}),
	}).Create(&LifetimeTotal{UserID: userID, Dimension: string(dim), Total: amount}).Error
}
