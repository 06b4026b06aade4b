// Package usage meters per-user actions against daily limits.
//
// Every metered action goes through Reserve before the work starts and Commit
// after it succeeded (or Release if it did not). Reserve is an atomic
// increment-with-limit on the (user, dimension, day) bucket, so concurrent
// requests from the same user cannot both slip under the limit. Days are UTC
// calendar days and buckets are created lazily on first touch.
package usage

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Dimension is one independently metered action type.
type Dimension string

const (
	Chat         Dimension = "chat"
	Document     Dimension = "document"
	Health       Dimension = "health"
	VoiceMessage Dimension = "voice_message"
)

// Dimensions lists every metered dimension in a stable order.
func Dimensions() []Dimension {
	return []Dimension{Chat, Document, Health, VoiceMessage}
}

// ParseDimension validates an identifier from the closed set of dimensions.
func ParseDimension(s string) (Dimension, error) {
	for _, d := range Dimensions() {
		if string(d) == s {
			return d, nil
		}
	}
	return "", fmt.Errorf("unknown usage dimension %q", s)
}

// Unlimited disables the daily limit of a dimension.
const Unlimited int64 = -1

// DayKey is the UTC calendar day of t, e.g. "2026-10-17".
func DayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// ErrLimitReached is matched by every *LimitError.
var ErrLimitReached = errors.New("usage limit reached")

// ErrInvalidAmount rejects a reservation or consumption of zero or fewer units.
var ErrInvalidAmount = errors.New("usage amount must be positive")

// LimitError reports a denied reservation.
type LimitError struct {
	Dimension Dimension
	Limit     int64
	Count     int64
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("daily %s limit reached (%d/%d)", e.Dimension, e.Count, e.Limit)
}

func (e *LimitError) Is(target error) bool { return target == ErrLimitReached }

// Decision is the answer to a non-binding Check.
type Decision struct {
	Allowed   bool      `json:"allowed"`
	Reason    string    `json:"reason,omitempty"`
	Dimension Dimension `json:"dimension"`
	Count     int64     `json:"count"`
	Limit     int64     `json:"limit"`
}

// Reservation is a held slot in a day bucket. It must be committed or released.
// Day is fixed at reservation time so a request spanning midnight settles in the
// bucket it was admitted from.
type Reservation struct {
	UserID    uint64    `json:"user_id"`
	Dimension Dimension `json:"dimension"`
	Day       string    `json:"day"`
	Amount    int64     `json:"amount"`
}

// LifetimeStats is the reporting view of a user's usage: per day counts and
// cumulative totals. It is never used for gating.
type LifetimeStats struct {
	Days   map[string]map[Dimension]int64 `json:"days"`
	Totals map[Dimension]int64            `json:"totals"`
}

// Ledger is the only owner of usage state. Callers never write usage rows directly.
type Ledger interface {
	// Check reports whether one more unit fits under limit today. It holds nothing;
	// use Reserve to admit work.
	Check(ctx context.Context, userID uint64, dim Dimension, limit int64) (Decision, error)
	// Consume adds amount to today's count and the lifetime total, returning the new count.
	Consume(ctx context.Context, userID uint64, dim Dimension, amount int64) (int64, error)

	// Reserve atomically holds amount units if count+reserved+amount <= limit.
	// A full bucket yields a *LimitError.
	Reserve(ctx context.Context, userID uint64, dim Dimension, amount, limit int64) (*Reservation, error)
	// Commit turns a reservation into consumed usage and returns the new count.
	Commit(ctx context.Context, r *Reservation) (int64, error)
	// Release gives a reservation back without consuming it.
	Release(ctx context.Context, r *Reservation) error

	// Today returns today's counts for every dimension.
	Today(ctx context.Context, userID uint64) (map[Dimension]int64, error)
	Lifetime(ctx context.Context, userID uint64) (LifetimeStats, error)
}

// CommitWithRetry commits r, retrying once on a transient ledger error. When it
// still fails the reservation must stay held: the work was done, so giving the
// slot back would let the user exceed the limit.
func CommitWithRetry(ctx context.Context, l Ledger, r *Reservation) (int64, error) {
	count, err := l.Commit(ctx, r)
	if err == nil || errors.Is(err, ErrUnknownReservation) {
		return count, err
	}
	return l.Commit(ctx, r)
}

func newLifetimeStats() LifetimeStats {
	return LifetimeStats{
		Days:   make(map[string]map[Dimension]int64),
		Totals: make(map[Dimension]int64),
	}
}

func zeroBucket() map[Dimension]int64 {
	m := make(map[Dimension]int64, 4)
	for _, d := range Dimensions() {
		m[d] = 0
	}
	return m
}

// Decide builds the Check answer from a bucket's current state.
func Decide(dim Dimension, count, reserved, limit int64) Decision {
	d := Decision{Allowed: true, Dimension: dim, Count: count, Limit: limit}
	if limit != Unlimited && count+reserved+1 > limit {
		d.Allowed = false
		d.Reason = fmt.Sprintf("daily %s limit of %d reached", dim, limit)
	}
	return d
}
