package usage

import (
	"context"
	"errors"
	"fmt"

	"github.com/phuslu/log"

	"github.com/suPer8Hu/pet-assistant/internal/logging"
)

// Denial is the user-visible outcome of a refused action.
type Denial struct {
	Dimension   Dimension `json:"dimension"`
	Limit       int64     `json:"limit"`
	Count       int64     `json:"count"`
	Message     string    `json:"message"`
	UpgradeHint string    `json:"upgrade_hint,omitempty"`
}

// Result is either Proceed, carrying the reservation the caller must settle,
// or Denied. A denied result has no side effects.
type Result struct {
	Reservation *Reservation
	Denial      *Denial
}

func (r Result) Proceed() bool { return r.Denial == nil && r.Reservation != nil }

// Gate admits metered actions before any billable work runs.
type Gate struct {
	ledger      Ledger
	limits      Limits
	upgradeHint string
	logger      *log.Logger
}

func NewGate(ledger Ledger, limits Limits, upgradeHint string, logger *log.Logger) *Gate {
	if limits == nil {
		limits = DefaultLimits()
	}
	return &Gate{ledger: ledger, limits: limits, upgradeHint: upgradeHint, logger: logging.OrDiscard(logger)}
}

func (g *Gate) Limits() Limits { return g.limits }

// Admit reserves one unit of dim for userID. A ledger failure is retried once and
// then denies, so an unhealthy ledger never over-grants.
func (g *Gate) Admit(ctx context.Context, userID uint64, dim Dimension) Result {
	limit := g.limits.For(dim)

	var (
		res *Reservation
		err error
	)
	for attempt := 0; attempt < 2; attempt++ {
		res, err = g.ledger.Reserve(ctx, userID, dim, 1, limit)
		if err == nil || errors.Is(err, ErrLimitReached) || ctx.Err() != nil {
			break
		}
		g.logger.Warn().Err(err).Uint64("user_id", userID).Str("dimension", string(dim)).Int("attempt", attempt+1).Msg("usage reserve failed")
	}

	if err == nil {
		return Result{Reservation: res}
	}

	var le *LimitError
	if errors.As(err, &le) {
		g.logger.Info().Uint64("user_id", userID).Str("dimension", string(dim)).Int64("count", le.Count).Int64("limit", le.Limit).Msg("usage limit reached")
		return Result{Denial: &Denial{
			Dimension:   dim,
			Limit:       le.Limit,
			Count:       le.Count,
			Message:     fmt.Sprintf("You have reached your daily %s limit (%d).", humanName(dim), le.Limit),
			UpgradeHint: g.upgradeHint,
		}}
	}

	g.logger.Error().Err(err).Uint64("user_id", userID).Str("dimension", string(dim)).Msg("usage ledger unavailable, denying")
	return Result{Denial: &Denial{
		Dimension: dim,
		Limit:     limit,
		Message:   "Usage could not be verified right now, please try again shortly.",
	}}
}

func humanName(dim Dimension) string {
	switch dim {
	case Chat:
		return "chat message"
	case Document:
		return "document upload"
	case Health:
		return "health record"
	case VoiceMessage:
		return "voice message"
	}
	return string(dim)
}
