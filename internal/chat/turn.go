package chat

import (
	"github.com/suPer8Hu/pet-assistant/internal/credits"
	"github.com/suPer8Hu/pet-assistant/internal/retrieval"
	"github.com/suPer8Hu/pet-assistant/internal/usage"
)

// State is a step of a chat turn.
type State string

const (
	StateReceived         State = "RECEIVED"
	StateQuotaChecked     State = "QUOTA_CHECKED"
	StateContextRetrieved State = "CONTEXT_RETRIEVED"
	StateContextSkipped   State = "CONTEXT_SKIPPED"
	StateAnswered         State = "ANSWERED"
	StateQuotaConsumed    State = "QUOTA_CONSUMED"
	StateCreditDeducted   State = "CREDIT_DEDUCTED"

	// terminal states off the happy path
	StateDenied    State = "DENIED"
	StateFailed    State = "FAILED"
	StateCancelled State = "CANCELLED"
)

type TurnRequest struct {
	UserID    uint64
	SessionID string
	Message   string
	// IdempotencyKey makes a double-submitted message return the stored answer
	// instead of running (and charging) a second turn.
	IdempotencyKey string
}

// TurnResult describes how far a turn got. A denied turn carries Denial and
// nothing else happened.
type TurnResult struct {
	TurnID    string              `json:"turn_id"`
	SessionID string              `json:"session_id"`
	State     State               `json:"state"`
	Trace     []State             `json:"trace"`
	Reply     string              `json:"reply,omitempty"`
	MessageID uint64              `json:"message_id,omitempty"`
	Denial    *usage.Denial       `json:"denial,omitempty"`
	Sources   []retrieval.Passage `json:"sources,omitempty"`
	// SkipReason is set when the answer was produced without retrieved context.
	SkipReason retrieval.SkipReason `json:"skip_reason,omitempty"`
	UsageCount int64                `json:"usage_count,omitempty"`
	Credit     *credits.Outcome     `json:"credit,omitempty"`
	Replayed   bool                 `json:"replayed,omitempty"`
}

func (r *TurnResult) advance(s State) {
	r.State = s
	r.Trace = append(r.Trace, s)
}

// Denied reports whether the turn was refused by the quota gate.
func (r *TurnResult) Denied() bool { return r.Denial != nil }
