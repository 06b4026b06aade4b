package credits

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/phuslu/log"

	"github.com/suPer8Hu/pet-assistant/internal/logging"
	"github.com/suPer8Hu/pet-assistant/internal/usage"
)

var validate = validator.New()

// ErrInvalidEvent wraps validation failures of an incoming payment event.
var ErrInvalidEvent = errors.New("invalid payment event")

// PaymentEvent is an already parsed payment webhook: who paid, how much, and the
// external references that identify the event.
type PaymentEvent struct {
	UserID            uint64          `json:"user_id" validate:"required"`
	Amount            int64           `json:"amount" validate:"required"`
	Type              TransactionType `json:"transaction_type" validate:"required,oneof=purchase subscription_bonus refund adjustment"`
	PaymentIntentID   string          `json:"payment_intent_id" validate:"required_without=CheckoutSessionID,max=255"`
	CheckoutSessionID string          `json:"checkout_session_id" validate:"max=255"`
	Plan              string          `json:"plan"`
	Description       string          `json:"description"`
}

// Outcome is the structured result of an idempotent ledger operation.
type Outcome struct {
	Transaction      *Transaction `json:"transaction,omitempty"`
	AlreadyProcessed bool         `json:"already_processed"`
}

type Service struct {
	repo   *Repo
	logger *log.Logger
	now    func() time.Time
}

func NewService(repo *Repo, logger *log.Logger) *Service {
	return &Service{repo: repo, logger: logging.OrDiscard(logger), now: time.Now}
}

func (s *Service) IsAlreadyProcessed(ctx context.Context, ref string) (bool, error) {
	return s.repo.IsAlreadyProcessed(ctx, ref)
}

func (s *Service) Record(ctx context.Context, in RecordInput) (*Transaction, error) {
	return s.repo.Record(ctx, in)
}

// ApplyPaymentEvent credits a payment exactly once. Redelivered events report
// AlreadyProcessed and never return an error for being duplicates.
func (s *Service) ApplyPaymentEvent(ctx context.Context, ev PaymentEvent) (Outcome, error) {
	if err := validate.Struct(ev); err != nil {
		return Outcome{}, validationError(err)
	}

	for _, ref := range []string{ev.PaymentIntentID, ev.CheckoutSessionID} {
		done, err := s.repo.IsAlreadyProcessed(ctx, ref)
		if err != nil {
			return Outcome{}, err
		}
		if done {
			s.logger.Info().Str("ref", ref).Uint64("user_id", ev.UserID).Msg("payment event already processed")
			return Outcome{AlreadyProcessed: true}, nil
		}
	}

	tx, err := s.repo.Record(ctx, RecordInput{
		UserID:             ev.UserID,
		Amount:             ev.Amount,
		Type:               ev.Type,
		PaymentIntentRef:   ev.PaymentIntentID,
		CheckoutSessionRef: ev.CheckoutSessionID,
		Metadata: Metadata{
			Source:      "webhook",
			Plan:        ev.Plan,
			Description: ev.Description,
		},
	})
	if errors.Is(err, ErrAlreadyProcessed) {
		s.logger.Info().Str("payment_intent", ev.PaymentIntentID).Uint64("user_id", ev.UserID).Msg("payment event raced a duplicate")
		return Outcome{AlreadyProcessed: true}, nil
	}
	if err != nil {
		return Outcome{}, err
	}

	s.logger.Info().
		Str("tx_id", tx.ID).
		Uint64("user_id", tx.UserID).
		Int64("amount", tx.Amount).
		Str("type", string(tx.Type)).
		Msg("credits applied")
	return Outcome{Transaction: tx}, nil
}

// Deduct records a debit of amount credits. key makes the debit idempotent, so a
// retried chat turn is charged once.
func (s *Service) Deduct(ctx context.Context, userID uint64, amount int64, key string, meta Metadata) (Outcome, error) {
	if amount <= 0 {
		return Outcome{}, fmt.Errorf("deduct: amount must be positive, got %d", amount)
	}
	if key == "" {
		return Outcome{}, errors.New("deduct: idempotency key required")
	}
	tx, err := s.repo.Record(ctx, RecordInput{
		UserID:         userID,
		Amount:         -amount,
		Type:           Deduction,
		IdempotencyKey: key,
		Metadata:       meta,
	})
	if errors.Is(err, ErrAlreadyProcessed) {
		return Outcome{AlreadyProcessed: true}, nil
	}
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Transaction: tx}, nil
}

// GrantDailyFree credits the daily allowance at most once per user per UTC day.
func (s *Service) GrantDailyFree(ctx context.Context, userID uint64, amount int64) (Outcome, error) {
	if amount <= 0 {
		return Outcome{AlreadyProcessed: true}, nil
	}
	day := usage.DayKey(s.now())
	tx, err := s.repo.Record(ctx, RecordInput{
		UserID:         userID,
		Amount:         amount,
		Type:           DailyFree,
		IdempotencyKey: fmt.Sprintf("daily_free:%d:%s", userID, day),
		Metadata:       Metadata{Source: "system", Description: "daily free credits " + day},
	})
	if errors.Is(err, ErrAlreadyProcessed) {
		return Outcome{AlreadyProcessed: true}, nil
	}
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Transaction: tx}, nil
}

func (s *Service) Balance(ctx context.Context, userID uint64) (int64, error) {
	return s.repo.Balance(ctx, userID)
}

func (s *Service) History(ctx context.Context, userID uint64, limit int) ([]Transaction, error) {
	return s.repo.List(ctx, userID, limit)
}

func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	parts := make([]string, 0, len(verrs))
	for _, e := range verrs {
		parts = append(parts, fmt.Sprintf("%s failed on '%s'", e.Field(), e.Tag()))
	}
	return fmt.Errorf("%w: %s", ErrInvalidEvent, strings.Join(parts, "; "))
}
