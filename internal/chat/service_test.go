package chat

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

	"github.com/suPer8Hu/pet-assistant/internal/ai"
	"github.com/suPer8Hu/pet-assistant/internal/credits"
	"github.com/suPer8Hu/pet-assistant/internal/retrieval"
	"github.com/suPer8Hu/pet-assistant/internal/usage"
)

type recordingProvider struct {
	mu    sync.Mutex
	last  []ai.Message
	calls int
	reply string
	err   error
	// onChat runs inside the call, e.g. to cancel the caller's context
	onChat func()
}

func (p *recordingProvider) Chat(ctx context.Context, messages []ai.Message) (string, error) {
	p.mu.Lock()
	p.calls++
	// copy to avoid mutations
	p.last = append([]ai.Message(nil), messages...)
	p.mu.Unlock()
	if p.onChat != nil {
		p.onChat()
	}
	if p.err != nil {
		return "", p.err
	}
	if p.reply == "" {
		return "ok", nil
	}
	return p.reply, nil
}

type stubRetriever struct {
	calls atomic.Int32
	out   retrieval.Context
}

func (r *stubRetriever) Retrieve(ctx context.Context, userID uint64, query string) retrieval.Context {
	r.calls.Add(1)
	return r.out
}

type env struct {
	db        *gorm.DB
	repo      *Repo
	svc       *Service
	ledger    *usage.GormLedger
	credits   *credits.Service
	provider  *recordingProvider
	retriever *stubRetriever
}

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(gormsqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	// one connection serializes ledger statements; the turn-level concurrency test
	// checks the accounting, while the ledger tests cover racy interleavings
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	models := append(Models(), usage.Models()...)
	models = append(models, &credits.Transaction{})
	if err := db.AutoMigrate(models...); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

// failingCommits makes the first n commits fail.
type failingCommits struct {
	usage.Ledger
	mu sync.Mutex
	n  int
}

func (l *failingCommits) Commit(ctx context.Context, r *usage.Reservation) (int64, error) {
	l.mu.Lock()
	fail := l.n > 0
	if fail {
		l.n--
	}
	l.mu.Unlock()
	if fail {
		return 0, errors.New("deadlock found when trying to get lock")
	}
	return l.Ledger.Commit(ctx, r)
}

func newEnv(t *testing.T, chatLimit int64, window int) *env {
	t.Helper()
	return newEnvWithCommitFailures(t, chatLimit, window, 0)
}

func newEnvWithCommitFailures(t *testing.T, chatLimit int64, window int, failures int) *env {
	t.Helper()
	db := openTestDB(t)
	repo := NewRepo(db)

	e := &env{
		db:       db,
		repo:     repo,
		provider: &recordingProvider{},
		retriever: &stubRetriever{out: retrieval.Context{
			Passages: []retrieval.Passage{{DocumentID: "handbook", SourceName: "handbook.md", Text: "Dogs need fresh water daily.", Score: 0.9}},
			Tokens:   7,
		}},
	}

	reg := ai.NewRegistry()
	reg.Register("fake", func(ctx context.Context, model string) (ai.Provider, error) {
		return e.provider, nil
	})

	now := func() time.Time { return time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC) }
	e.ledger = usage.NewGormLedger(db, usage.WithClock(now))
	ledger := &failingCommits{Ledger: e.ledger, n: failures}
	gate := usage.NewGate(ledger, usage.Limits{usage.Chat: chatLimit}, "Upgrade for unlimited chat.", nil)
	e.credits = credits.NewService(credits.NewRepo(db), nil)

	e.svc = NewService(repo, reg, gate, ledger, e.retriever, e.credits, Options{ContextWindowSize: window, CreditCost: 1}, nil)
	return e
}

func (e *env) session(t *testing.T, userID uint64) *Session {
	t.Helper()
	sess, err := e.svc.CreateSession(context.Background(), userID, "fake", "default")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return sess
}

func (e *env) chatsToday(t *testing.T, userID uint64) int64 {
	t.Helper()
	today, err := e.ledger.Today(context.Background(), userID)
	if err != nil {
		t.Fatalf("today: %v", err)
	}
	return today[usage.Chat]
}

func (e *env) messageCount(t *testing.T) int64 {
	t.Helper()
	var n int64
	if err := e.db.Model(&Message{}).Count(&n).Error; err != nil {
		t.Fatalf("count messages: %v", err)
	}
	return n
}

func traceString(r *TurnResult) string {
	parts := make([]string, len(r.Trace))
	for i, s := range r.Trace {
		parts[i] = string(s)
	}
	return strings.Join(parts, ">")
}

func TestSendMessage_WritesUserAndAssistant(t *testing.T) {
	e := newEnv(t, 5, 20)
	sess := e.session(t, 1)

	res, err := e.svc.SendMessage(context.Background(), TurnRequest{UserID: 1, SessionID: sess.SessionID, Message: "Hello"})
	if err != nil {
		t.Fatalf("send message: %v", err)
	}
	if res.Reply != "ok" {
		t.Fatalf("unexpected reply: %q", res.Reply)
	}
	if res.MessageID == 0 {
		t.Fatalf("expected assistant message id to be set")
	}
	want := "RECEIVED>QUOTA_CHECKED>CONTEXT_RETRIEVED>ANSWERED>QUOTA_CONSUMED>CREDIT_DEDUCTED"
	if got := traceString(res); got != want {
		t.Fatalf("trace = %s, want %s", got, want)
	}

	var msgs []Message
	if err := e.db.Where("session_id = ? AND user_id = ?", sess.SessionID, uint64(1)).
		Order("id ASC").
		Find(&msgs).Error; err != nil {
		t.Fatalf("query messages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Role != "user" || msgs[0].Content != "Hello" {
		t.Fatalf("unexpected user msg: role=%q content=%q", msgs[0].Role, msgs[0].Content)
	}
	if msgs[1].Role != "assistant" || msgs[1].Content != "ok" {
		t.Fatalf("unexpected assistant msg: role=%q content=%q", msgs[1].Role, msgs[1].Content)
	}
	if msgs[0].TurnID != res.TurnID || msgs[1].TurnID != res.TurnID {
		t.Fatalf("messages not tagged with turn id %s", res.TurnID)
	}

	// retrieved passages reach the model as a system message
	var sawContext bool
	for _, m := range e.provider.last {
		if m.Role == ai.RoleSystem && strings.Contains(m.Content, "fresh water") {
			sawContext = true
		}
	}
	if !sawContext {
		t.Fatalf("expected retrieved context in prompt: %+v", e.provider.last)
	}

	if n := e.chatsToday(t, 1); n != 1 {
		t.Fatalf("expected 1 chat consumed, got %d", n)
	}
	bal, _ := e.credits.Balance(context.Background(), 1)
	if bal != -1 {
		t.Fatalf("expected one credit deducted, balance=%d", bal)
	}
}

func TestSendMessage_UsesContextWindow(t *testing.T) {
	window := 3
	e := newEnv(t, 5, window)
	sess := e.session(t, 2)

	// seed messages: 5 messages already in history
	for i := 0; i < 5; i++ {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		if err := e.db.Create(&Message{
			SessionID: sess.SessionID,
			UserID:    2,
			TurnID:    fmt.Sprintf("seed-%d", i/2),
			Role:      role,
			Content:   "seed",
		}).Error; err != nil {
			t.Fatalf("seed msg %d: %v", i, err)
		}
	}

	if _, err := e.svc.SendMessage(context.Background(), TurnRequest{UserID: 2, SessionID: sess.SessionID, Message: "new"}); err != nil {
		t.Fatalf("send message: %v", err)
	}

	var conversation []ai.Message
	for _, m := range e.provider.last {
		if m.Role != ai.RoleSystem {
			conversation = append(conversation, m)
		}
	}
	if len(conversation) != window {
		t.Fatalf("expected provider to receive %d messages, got %d", window, len(conversation))
	}
	last := conversation[len(conversation)-1]
	if last.Role != "user" || last.Content != "new" {
		t.Fatalf("expected last provider msg to be new user msg, got role=%q content=%q", last.Role, last.Content)
	}
}

func TestSendMessage_DeniedHasNoSideEffects(t *testing.T) {
	e := newEnv(t, 1, 20)
	sess := e.session(t, 3)
	ctx := context.Background()

	if _, err := e.svc.SendMessage(ctx, TurnRequest{UserID: 3, SessionID: sess.SessionID, Message: "first"}); err != nil {
		t.Fatalf("first turn: %v", err)
	}
	callsBefore := e.provider.calls
	retrievalsBefore := e.retriever.calls.Load()
	msgsBefore := e.messageCount(t)

	res, err := e.svc.SendMessage(ctx, TurnRequest{UserID: 3, SessionID: sess.SessionID, Message: "second"})
	if err != nil {
		t.Fatalf("denied turn must not error: %v", err)
	}
	if !res.Denied() || res.State != StateDenied {
		t.Fatalf("expected denial, got %+v", res)
	}
	if res.Denial.Dimension != usage.Chat || res.Denial.Limit != 1 || res.Denial.UpgradeHint == "" {
		t.Fatalf("unexpected denial: %+v", res.Denial)
	}
	if got := traceString(res); got != "RECEIVED>DENIED" {
		t.Fatalf("trace = %s", got)
	}
	if e.provider.calls != callsBefore || e.retriever.calls.Load() != retrievalsBefore {
		t.Fatalf("denied turn reached the index or the model")
	}
	if e.messageCount(t) != msgsBefore {
		t.Fatalf("denied turn stored messages")
	}
	if n := e.chatsToday(t, 3); n != 1 {
		t.Fatalf("expected count to stay 1, got %d", n)
	}
	bal, _ := e.credits.Balance(ctx, 3)
	if bal != -1 {
		t.Fatalf("denied turn changed credits, balance=%d", bal)
	}
}

func TestSendMessage_FailedAnswerDoesNotBurnQuota(t *testing.T) {
	e := newEnv(t, 1, 20)
	sess := e.session(t, 4)
	ctx := context.Background()

	e.provider.err = errors.New("model overloaded")
	res, err := e.svc.SendMessage(ctx, TurnRequest{UserID: 4, SessionID: sess.SessionID, Message: "hi"})
	if err == nil {
		t.Fatalf("expected llm error")
	}
	if res.State != StateFailed {
		t.Fatalf("state = %s", res.State)
	}
	if n := e.chatsToday(t, 4); n != 0 {
		t.Fatalf("failed turn consumed quota: %d", n)
	}
	if e.messageCount(t) != 0 {
		t.Fatalf("failed turn stored messages")
	}

	// the released slot is usable
	e.provider.err = nil
	res, err = e.svc.SendMessage(ctx, TurnRequest{UserID: 4, SessionID: sess.SessionID, Message: "hi again"})
	if err != nil || res.Denied() {
		t.Fatalf("expected the retry to be admitted: %+v %v", res, err)
	}
}

func TestSendMessage_CommitRetriedBeforeCredit(t *testing.T) {
	e := newEnvWithCommitFailures(t, 3, 20, 1)
	sess := e.session(t, 1)

	res, err := e.svc.SendMessage(context.Background(), TurnRequest{UserID: 1, SessionID: sess.SessionID, Message: "Is chocolate bad for cats?"})
	if err != nil {
		t.Fatalf("send message: %v", err)
	}
	want := "RECEIVED>QUOTA_CHECKED>CONTEXT_RETRIEVED>ANSWERED>QUOTA_CONSUMED>CREDIT_DEDUCTED"
	if got := traceString(res); got != want {
		t.Fatalf("trace = %s, want %s", got, want)
	}
	if got := e.chatsToday(t, 1); got != 1 {
		t.Fatalf("chats today = %d, want 1", got)
	}
	if res.UsageCount != 1 {
		t.Fatalf("usage count = %d, want 1", res.UsageCount)
	}
}

func TestSendMessage_CommitFailureHoldsSlotWithoutCredit(t *testing.T) {
	e := newEnvWithCommitFailures(t, 1, 20, 2)
	sess := e.session(t, 1)
	ctx := context.Background()

	res, err := e.svc.SendMessage(ctx, TurnRequest{UserID: 1, SessionID: sess.SessionID, Message: "Is chocolate bad for cats?"})
	if err != nil {
		t.Fatalf("send message: %v", err)
	}
	if res.Reply != "ok" {
		t.Fatalf("answer should still be returned, got %q", res.Reply)
	}
	want := "RECEIVED>QUOTA_CHECKED>CONTEXT_RETRIEVED>ANSWERED"
	if got := traceString(res); got != want {
		t.Fatalf("trace = %s, want %s", got, want)
	}
	if res.Credit != nil {
		t.Fatalf("credit deducted without consumed quota: %+v", res.Credit)
	}
	balance, err := e.credits.Balance(ctx, 1)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance != 0 {
		t.Fatalf("balance = %d, want 0", balance)
	}

	// the slot stays held, so the limit of 1 is exhausted
	next, err := e.svc.SendMessage(ctx, TurnRequest{UserID: 1, SessionID: sess.SessionID, Message: "And grapes?"})
	if err != nil {
		t.Fatalf("second send: %v", err)
	}
	if !next.Denied() {
		t.Fatalf("second turn should be denied, trace %s", traceString(next))
	}
}

func TestSendMessage_CancelledAfterAnswerIsNotCharged(t *testing.T) {
	e := newEnv(t, 1, 20)
	sess := e.session(t, 5)

	ctx, cancel := context.WithCancel(context.Background())
	e.provider.onChat = cancel

	res, err := e.svc.SendMessage(ctx, TurnRequest{UserID: 5, SessionID: sess.SessionID, Message: "hi"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if res.State != StateCancelled {
		t.Fatalf("state = %s", res.State)
	}
	if n := e.chatsToday(t, 5); n != 0 {
		t.Fatalf("cancelled turn consumed quota: %d", n)
	}
	bal, _ := e.credits.Balance(context.Background(), 5)
	if bal != 0 {
		t.Fatalf("cancelled turn was charged: %d", bal)
	}

	e.provider.onChat = nil
	res, err = e.svc.SendMessage(context.Background(), TurnRequest{UserID: 5, SessionID: sess.SessionID, Message: "hi"})
	if err != nil || res.Denied() {
		t.Fatalf("reservation was not released: %+v %v", res, err)
	}
}

func TestSendMessage_SkippedContextStillAnswers(t *testing.T) {
	e := newEnv(t, 5, 20)
	e.retriever.out = retrieval.Context{Skipped: true, Reason: retrieval.SkipIndexUnavailable}
	sess := e.session(t, 6)

	res, err := e.svc.SendMessage(context.Background(), TurnRequest{UserID: 6, SessionID: sess.SessionID, Message: "is chocolate bad for cats?"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if res.Reply == "" || res.SkipReason != retrieval.SkipIndexUnavailable {
		t.Fatalf("unexpected result: %+v", res)
	}
	want := "RECEIVED>QUOTA_CHECKED>CONTEXT_SKIPPED>ANSWERED>QUOTA_CONSUMED>CREDIT_DEDUCTED"
	if got := traceString(res); got != want {
		t.Fatalf("trace = %s, want %s", got, want)
	}
}

func TestSendMessage_IdempotentReplay(t *testing.T) {
	e := newEnv(t, 5, 20)
	sess := e.session(t, 7)
	ctx := context.Background()
	req := TurnRequest{UserID: 7, SessionID: sess.SessionID, Message: "hi", IdempotencyKey: "tap-1"}

	first, err := e.svc.SendMessage(ctx, req)
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	second, err := e.svc.SendMessage(ctx, req)
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if !second.Replayed || second.TurnID != first.TurnID || second.MessageID != first.MessageID {
		t.Fatalf("expected replay of %s, got %+v", first.TurnID, second)
	}
	if e.provider.calls != 1 {
		t.Fatalf("replay called the model again")
	}
	if n := e.chatsToday(t, 7); n != 1 {
		t.Fatalf("replay consumed quota: %d", n)
	}
	bal, _ := e.credits.Balance(ctx, 7)
	if bal != -1 {
		t.Fatalf("replay charged again: %d", bal)
	}
}

func TestSendMessage_SessionOwnership(t *testing.T) {
	e := newEnv(t, 5, 20)
	sess := e.session(t, 8)

	_, err := e.svc.SendMessage(context.Background(), TurnRequest{UserID: 9, SessionID: sess.SessionID, Message: "hi"})
	if !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
	if _, err := e.svc.ListMessages(context.Background(), 9, sess.SessionID, 10, 0); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound from list, got %v", err)
	}
	if _, err := e.svc.SendMessage(context.Background(), TurnRequest{UserID: 8, SessionID: sess.SessionID, Message: "  "}); !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("expected ErrEmptyMessage, got %v", err)
	}
	if _, err := e.svc.CreateSession(context.Background(), 8, "nope", ""); !errors.Is(err, ErrUnknownProvider) {
		t.Fatalf("expected ErrUnknownProvider, got %v", err)
	}
}

func TestSendMessage_ConcurrentTurnsRespectLimit(t *testing.T) {
	const limit = 4
	e := newEnv(t, limit, 20)
	sess := e.session(t, 10)

	var (
		wg       sync.WaitGroup
		answered atomic.Int32
		denied   atomic.Int32
	)
	for i := 0; i < 2*limit; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := e.svc.SendMessage(context.Background(), TurnRequest{UserID: 10, SessionID: sess.SessionID, Message: fmt.Sprintf("q%d", i)})
			if err != nil {
				t.Errorf("turn %d: %v", i, err)
				return
			}
			if res.Denied() {
				denied.Add(1)
			} else {
				answered.Add(1)
			}
		}(i)
	}
	wg.Wait()

	if answered.Load() != limit || denied.Load() != limit {
		t.Fatalf("answered=%d denied=%d, want %d each", answered.Load(), denied.Load(), limit)
	}
	if n := e.chatsToday(t, 10); n != limit {
		t.Fatalf("count = %d, want %d", n, limit)
	}
}
