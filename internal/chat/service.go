// Package chat runs assistant conversations. Each message is a metered turn:
// admitted against the chat quota, answered with best-effort retrieved context,
// and charged only once the answer has been produced and stored.
package chat

import (
	"context"
	"errors"
	"strings"

	"github.com/phuslu/log"
	"gorm.io/gorm"

	"github.com/suPer8Hu/pet-assistant/internal/ai"
	"github.com/suPer8Hu/pet-assistant/internal/common"
	"github.com/suPer8Hu/pet-assistant/internal/credits"
	"github.com/suPer8Hu/pet-assistant/internal/logging"
	"github.com/suPer8Hu/pet-assistant/internal/retrieval"
	"github.com/suPer8Hu/pet-assistant/internal/usage"
)

var (
	ErrSessionNotFound = errors.New("chat session not found")
	ErrEmptyMessage    = errors.New("message is empty")
	ErrUnknownProvider = errors.New("unknown ai provider")
)

const (
	defaultProvider = "ollama"
	defaultModel    = "llama3:latest"

	defaultSystemPrompt = "You are a friendly pet-care assistant. Give practical, safe advice and " +
		"recommend a veterinarian for anything that sounds urgent."
)

// Retriever supplies context for a question. It never fails; an unusable
// index shows up as a skipped context.
type Retriever interface {
	Retrieve(ctx context.Context, userID uint64, query string) retrieval.Context
}

type CreditDeductor interface {
	Deduct(ctx context.Context, userID uint64, amount int64, key string, meta credits.Metadata) (credits.Outcome, error)
}

type Options struct {
	// ContextWindowSize is how many messages, including the new one, the model sees.
	ContextWindowSize int
	// CreditCost is charged per answered turn; 0 disables deduction.
	CreditCost   int64
	SystemPrompt string
}

type Service struct {
	repo      *Repo
	registry  *ai.Registry
	gate      *usage.Gate
	ledger    usage.Ledger
	retriever Retriever
	credits   CreditDeductor
	opts      Options
	logger    *log.Logger
}

func NewService(repo *Repo, registry *ai.Registry, gate *usage.Gate, ledger usage.Ledger, retriever Retriever, credits CreditDeductor, opts Options, logger *log.Logger) *Service {
	if opts.ContextWindowSize <= 0 || opts.ContextWindowSize > 100 {
		opts.ContextWindowSize = 20
	}
	if opts.SystemPrompt == "" {
		opts.SystemPrompt = defaultSystemPrompt
	}
	return &Service{
		repo:      repo,
		registry:  registry,
		gate:      gate,
		ledger:    ledger,
		retriever: retriever,
		credits:   credits,
		opts:      opts,
		logger:    logging.OrDiscard(logger),
	}
}

func (s *Service) CreateSession(ctx context.Context, userID uint64, provider, model string) (*Session, error) {
	if provider == "" {
		provider = defaultProvider
	}
	if model == "" {
		model = defaultModel
	}
	if !s.registry.Has(provider) {
		return nil, ErrUnknownProvider
	}

	sid, err := common.NewULID()
	if err != nil {
		return nil, err
	}

	session := &Session{
		SessionID: sid,
		UserID:    userID,
		Provider:  strings.ToLower(provider),
		Model:     model,
	}
	if err := s.repo.CreateSession(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}

// ownedSession hides other users' sessions behind ErrSessionNotFound.
func (s *Service) ownedSession(ctx context.Context, userID uint64, sessionID string) (*Session, error) {
	sess, err := s.repo.GetSessionBySessionID(ctx, sessionID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	if sess.UserID != userID {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

func (s *Service) ListMessages(ctx context.Context, userID uint64, sessionID string, limit int, beforeID uint64) ([]Message, error) {
	if _, err := s.ownedSession(ctx, userID, sessionID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return s.repo.ListMessages(ctx, userID, sessionID, limit, beforeID)
}

// SendMessage runs one chat turn. A quota denial is a result, not an error, and
// leaves no trace in any ledger. If the turn fails or ctx is cancelled before
// the answer is stored, the reserved slot is released. Credits are deducted
// only after the quota was consumed.
func (s *Service) SendMessage(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	content := strings.TrimSpace(req.Message)
	if content == "" {
		return nil, ErrEmptyMessage
	}
	key := strings.TrimSpace(req.IdempotencyKey)

	sess, err := s.ownedSession(ctx, req.UserID, req.SessionID)
	if err != nil {
		return nil, err
	}

	if key != "" {
		if res, ok := s.replay(ctx, req.UserID, sess.SessionID, key); ok {
			return res, nil
		}
	}

	turnID, err := common.NewULID()
	if err != nil {
		return nil, err
	}
	res := &TurnResult{TurnID: turnID, SessionID: sess.SessionID}
	res.advance(StateReceived)
	logger := s.logger

	admit := s.gate.Admit(ctx, req.UserID, usage.Chat)
	if !admit.Proceed() {
		res.Denial = admit.Denial
		res.advance(StateDenied)
		return res, nil
	}
	res.advance(StateQuotaChecked)

	reservation := admit.Reservation
	// once the answer is stored the reservation is never given back
	answered := false
	defer func() {
		if answered {
			return
		}
		if err := s.ledger.Release(context.WithoutCancel(ctx), reservation); err != nil {
			logger.Error().Err(err).Str("turn_id", turnID).Uint64("user_id", req.UserID).Msg("release chat reservation failed")
		}
	}()

	rc := s.retriever.Retrieve(ctx, req.UserID, content)
	if rc.Skipped {
		res.SkipReason = rc.Reason
		res.advance(StateContextSkipped)
	} else {
		res.Sources = rc.Passages
		res.advance(StateContextRetrieved)
	}
	if err := ctx.Err(); err != nil {
		res.advance(StateCancelled)
		return res, err
	}

	provider, err := s.registry.Get(ctx, sess.Provider, sess.Model)
	if err != nil {
		res.advance(StateFailed)
		return res, err
	}
	msgs, err := s.buildPrompt(ctx, req.UserID, sess.SessionID, rc, content)
	if err != nil {
		res.advance(StateFailed)
		return res, err
	}

	reply, err := provider.Chat(ctx, msgs)
	if err != nil {
		if ctx.Err() != nil {
			res.advance(StateCancelled)
			return res, ctx.Err()
		}
		logger.Warn().Err(err).Str("turn_id", turnID).Str("provider", sess.Provider).Msg("llm call failed")
		res.advance(StateFailed)
		return res, err
	}
	// the client is gone; an answer nobody receives is not charged
	if err := ctx.Err(); err != nil {
		res.advance(StateCancelled)
		return res, err
	}

	userMsg := &Message{SessionID: sess.SessionID, UserID: req.UserID, TurnID: turnID, Role: ai.RoleUser, Content: content}
	if key != "" {
		userMsg.IdempotencyKey = &key
	}
	assistantMsg := &Message{SessionID: sess.SessionID, UserID: req.UserID, TurnID: turnID, Role: ai.RoleAssistant, Content: reply}
	if err := s.repo.InsertExchange(ctx, userMsg, assistantMsg); err != nil {
		if key != "" && errors.Is(err, gorm.ErrDuplicatedKey) {
			// a concurrent duplicate stored its answer first; ours is dropped and not charged
			if replayed, ok := s.replay(ctx, req.UserID, sess.SessionID, key); ok {
				return replayed, nil
			}
		}
		res.advance(StateFailed)
		return res, err
	}
	answered = true
	res.Reply = reply
	res.MessageID = assistantMsg.ID
	res.advance(StateAnswered)

	settle := context.WithoutCancel(ctx)
	count, err := usage.CommitWithRetry(settle, s.ledger, reservation)
	if err != nil {
		// the held slot still counts against today's limit; credits wait for a consumed turn
		logger.Error().Err(err).Str("turn_id", turnID).Uint64("user_id", req.UserID).Msg("commit chat usage failed, reservation stays held")
	} else {
		res.UsageCount = count
		res.advance(StateQuotaConsumed)
	}

	if res.State == StateQuotaConsumed && s.credits != nil && s.opts.CreditCost > 0 {
		out, err := s.credits.Deduct(settle, req.UserID, s.opts.CreditCost, "chat:"+turnID, credits.Metadata{
			Source: "chat",
			TurnID: turnID,
		})
		if err != nil {
			logger.Error().Err(err).Str("turn_id", turnID).Uint64("user_id", req.UserID).Msg("credit deduction failed")
		} else {
			res.Credit = &out
			res.advance(StateCreditDeducted)
		}
	}

	logger.Info().
		Str("turn_id", turnID).
		Uint64("user_id", req.UserID).
		Str("session_id", sess.SessionID).
		Str("state", string(res.State)).
		Int("sources", len(res.Sources)).
		Str("skip_reason", string(res.SkipReason)).
		Msg("chat turn completed")
	return res, nil
}

// buildPrompt assembles system instructions, retrieved context, recent history
// (oldest first) and the new question.
func (s *Service) buildPrompt(ctx context.Context, userID uint64, sessionID string, rc retrieval.Context, content string) ([]ai.Message, error) {
	recentDesc, err := s.repo.ListRecentMessagesDesc(ctx, userID, sessionID, s.opts.ContextWindowSize-1)
	if err != nil {
		return nil, err
	}

	msgs := make([]ai.Message, 0, len(recentDesc)+3)
	msgs = append(msgs, ai.Message{Role: ai.RoleSystem, Content: s.opts.SystemPrompt})
	if p := rc.SystemPrompt(); p != "" {
		msgs = append(msgs, ai.Message{Role: ai.RoleSystem, Content: p})
	}
	for i := len(recentDesc) - 1; i >= 0; i-- {
		m := recentDesc[i]
		msgs = append(msgs, ai.Message{Role: m.Role, Content: m.Content})
	}
	return append(msgs, ai.Message{Role: ai.RoleUser, Content: content}), nil
}

func (s *Service) replay(ctx context.Context, userID uint64, sessionID, key string) (*TurnResult, bool) {
	userMsg, assistantMsg, err := s.repo.FindExchange(ctx, userID, sessionID, key)
	if err != nil || assistantMsg == nil {
		return nil, false
	}
	res := &TurnResult{
		TurnID:    userMsg.TurnID,
		SessionID: sessionID,
		Reply:     assistantMsg.Content,
		MessageID: assistantMsg.ID,
		Replayed:  true,
	}
	res.advance(StateAnswered)
	return res, true
}
