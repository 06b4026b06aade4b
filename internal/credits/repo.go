// Package credits is the append-only credit ledger. Rows are never updated or
// deleted; duplicates of an external payment event are detected before insert
// and again by unique indexes.
package credits

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/suPer8Hu/pet-assistant/internal/common"
)

// ErrAlreadyProcessed means a transaction with the same reference already exists.
var ErrAlreadyProcessed = errors.New("credit transaction already processed")

type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

// RecordInput describes a new ledger row. Amount is signed; the sign convention
// per type is the caller's policy.
type RecordInput struct {
	UserID             uint64
	Amount             int64
	Type               TransactionType
	PaymentIntentRef   string
	CheckoutSessionRef string
	IdempotencyKey     string
	Metadata           Metadata
}

// IsAlreadyProcessed reports whether ref is the payment intent or checkout
// session reference of a recorded transaction. Internal idempotency keys live
// in their own namespace and never match. References are matched exactly.
func (r *Repo) IsAlreadyProcessed(ctx context.Context, ref string) (bool, error) {
	if ref == "" {
		return false, nil
	}
	var refs []Transaction
	if err := r.db.WithContext(ctx).
		Select("payment_intent_ref", "checkout_session_ref").
		Where("payment_intent_ref = ? OR checkout_session_ref = ?", ref, ref).
		Limit(2).
		Find(&refs).Error; err != nil {
		return false, err
	}
	for _, t := range refs {
		if eq(t.PaymentIntentRef, ref) || eq(t.CheckoutSessionRef, ref) {
			return true, nil
		}
	}
	return false, nil
}

// keyUsed reports whether an internal idempotency key was already recorded.
func (r *Repo) keyUsed(ctx context.Context, key string) (bool, error) {
	if key == "" {
		return false, nil
	}
	var t Transaction
	err := r.db.WithContext(ctx).
		Select("idempotency_key").
		Where("idempotency_key = ?", key).
		Take(&t).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return eq(t.IdempotencyKey, key), nil
}

// processed checks every reference of in.
func (r *Repo) processed(ctx context.Context, in RecordInput) (bool, error) {
	for _, ref := range []string{in.PaymentIntentRef, in.CheckoutSessionRef} {
		if done, err := r.IsAlreadyProcessed(ctx, ref); err != nil || done {
			return done, err
		}
	}
	return r.keyUsed(ctx, in.IdempotencyKey)
}

// Record appends a transaction. A reference that was already used yields
// ErrAlreadyProcessed, whether found by the pre-check or by the unique index.
func (r *Repo) Record(ctx context.Context, in RecordInput) (*Transaction, error) {
	done, err := r.processed(ctx, in)
	if err != nil {
		return nil, err
	}
	if done {
		return nil, ErrAlreadyProcessed
	}

	id, err := common.NewULID()
	if err != nil {
		return nil, err
	}
	meta := in.Metadata
	if meta.Version == 0 {
		meta.Version = MetadataVersion
	}
	tx := &Transaction{
		ID:                 id,
		UserID:             in.UserID,
		Amount:             in.Amount,
		Type:               in.Type,
		PaymentIntentRef:   optional(in.PaymentIntentRef),
		CheckoutSessionRef: optional(in.CheckoutSessionRef),
		IdempotencyKey:     optional(in.IdempotencyKey),
		Metadata:           meta,
	}

	createErr := r.db.WithContext(ctx).Create(tx).Error
	if createErr == nil {
		return tx, nil
	}

	// lost a race with a concurrent insert of the same reference
	if done, err := r.processed(ctx, in); err == nil && done {
		return nil, ErrAlreadyProcessed
	}
	if errors.Is(createErr, gorm.ErrDuplicatedKey) {
		return nil, ErrAlreadyProcessed
	}
	return nil, createErr
}

// Balance is the sum of all amounts for a user.
func (r *Repo) Balance(ctx context.Context, userID uint64) (int64, error) {
	var sum int64
	err := r.db.WithContext(ctx).Model(&Transaction{}).
		Where("user_id = ?", userID).
		Select("COALESCE(SUM(amount), 0)").
		Scan(&sum).Error
	return sum, err
}

// List returns a user's transactions, newest first.
func (r *Repo) List(ctx context.Context, userID uint64, limit int) ([]Transaction, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	var out []Transaction
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("id DESC").
		Limit(limit).
		Find(&out).Error
	return out, err
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func eq(p *string, s string) bool { return p != nil && *p == s }
