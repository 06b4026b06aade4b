package credits

import "time"

type TransactionType string

const (
	Purchase          TransactionType = "purchase"
	SubscriptionBonus TransactionType = "subscription_bonus"
	DailyFree         TransactionType = "daily_free"
	Deduction         TransactionType = "deduction"
	Refund            TransactionType = "refund"
	Adjustment        TransactionType = "adjustment"
)

// MetadataVersion is the schema version written into new transactions.
const MetadataVersion = 1

// Metadata is the typed audit payload stored with each transaction.
type Metadata struct {
	Version     int               `json:"v"`
	Source      string            `json:"source,omitempty"` // webhook, chat, system
	Description string            `json:"description,omitempty"`
	Plan        string            `json:"plan,omitempty"`
	TurnID      string            `json:"turn_id,omitempty"`
	Extra       map[string]string `json:"extra,omitempty"`
}

// Transaction is an append-only ledger row. The three reference columns are
// idempotency keys: each is unique when present.
type Transaction struct {
	ID     string          `gorm:"primaryKey;size:26" json:"id"` // ULID
	UserID uint64          `gorm:"index;not null" json:"user_id"`
	Amount int64           `gorm:"not null" json:"amount"`
	Type   TransactionType `gorm:"type:varchar(32);index;not null" json:"transaction_type"`

	PaymentIntentRef   *string `gorm:"type:varchar(255);uniqueIndex:uniq_credit_payment_intent" json:"payment_intent_ref,omitempty"`
	CheckoutSessionRef *string `gorm:"type:varchar(255);uniqueIndex:uniq_credit_checkout_session" json:"checkout_session_ref,omitempty"`
	// IdempotencyKey dedupes internal operations such as per-turn deductions.
	IdempotencyKey *string `gorm:"type:varchar(128);uniqueIndex:uniq_credit_idempo" json:"-"`

	Metadata  Metadata  `gorm:"serializer:json;type:text" json:"metadata"`
	CreatedAt time.Time `json:"created_at"`
}

func (Transaction) TableName() string { return "credit_transactions" }
