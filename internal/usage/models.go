package usage

import "time"

// Record is one (user, dimension, day) bucket.
type Record struct {
	ID        uint64 `gorm:"primaryKey;autoIncrement"`
	UserID    uint64 `gorm:"not null;uniqueIndex:uniq_usage_bucket,priority:1"`
	Dimension string `gorm:"type:varchar(32);not null;uniqueIndex:uniq_usage_bucket,priority:2"`
	Day       string `gorm:"type:char(10);not null;uniqueIndex:uniq_usage_bucket,priority:3;index"`
	Count     int64  `gorm:"column:used_count;not null;default:0"`
	Reserved  int64  `gorm:"not null;default:0"`
	// DailyLimit is the limit last applied to this bucket.
	DailyLimit int64 `gorm:"not null;default:-1"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (Record) TableName() string { return "usage_records" }

// LifetimeTotal is the cumulative count of one dimension for a user.
type LifetimeTotal struct {
	ID        uint64 `gorm:"primaryKey;autoIncrement"`
	UserID    uint64 `gorm:"not null;uniqueIndex:uniq_usage_lifetime,priority:1"`
	Dimension string `gorm:"type:varchar(32);not null;uniqueIndex:uniq_usage_lifetime,priority:2"`
	Total     int64  `gorm:"not null;default:0"`
	UpdatedAt time.Time
}

func (LifetimeTotal) TableName() string { return "usage_lifetime_totals" }

// Models lists the tables owned by this package, for migrations.
func Models() []any {
	return []any{&Record{}, &LifetimeTotal{}}
}
