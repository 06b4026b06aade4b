// Package app wires configuration into the services shared by the api and worker binaries.
package app

import (
	"context"
	"fmt"

	"github.com/phuslu/log"
	"gorm.io/gorm"

	"github.com/suPer8Hu/pet-assistant/internal/ai"
	"github.com/suPer8Hu/pet-assistant/internal/chat"
	"github.com/suPer8Hu/pet-assistant/internal/chunker"
	"github.com/suPer8Hu/pet-assistant/internal/config"
	"github.com/suPer8Hu/pet-assistant/internal/credits"
	"github.com/suPer8Hu/pet-assistant/internal/db"
	"github.com/suPer8Hu/pet-assistant/internal/ingest"
	"github.com/suPer8Hu/pet-assistant/internal/logging"
	"github.com/suPer8Hu/pet-assistant/internal/retrieval"
	"github.com/suPer8Hu/pet-assistant/internal/store/pgvector"
	"github.com/suPer8Hu/pet-assistant/internal/store/redisstore"
	"github.com/suPer8Hu/pet-assistant/internal/usage"
	"github.com/suPer8Hu/pet-assistant/internal/vectorindex"
)

// MemoryVectorDSN selects the in-process index, for single-node development.
const MemoryVectorDSN = "memory"

type App struct {
	Cfg    config.Config
	Logger *log.Logger

	DB       *gorm.DB
	Ledger   usage.Ledger
	Gate     *usage.Gate
	Index    vectorindex.Index
	Embedder ai.Embedder
	Registry *ai.Registry

	Credits *credits.Service
	Chat    *chat.Service
	Ingest  *ingest.Service

	closers []func() error
}

func New(ctx context.Context, cfg config.Config, logger *log.Logger) (*App, error) {
	logger = logging.OrDiscard(logger)
	a := &App{Cfg: cfg, Logger: logger}

	gdb, err := db.Connect(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		return nil, err
	}
	a.DB = gdb
	if sqlDB, err := gdb.DB(); err == nil {
		a.closers = append(a.closers, sqlDB.Close)
	}
	if err := db.Migrate(gdb); err != nil {
		a.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	if err := a.initLedger(ctx); err != nil {
		a.Close()
		return nil, err
	}
	a.Gate = usage.NewGate(a.Ledger, cfg.Limits, cfg.UpgradeHint, logger)

	if err := a.initIndex(ctx); err != nil {
		a.Close()
		return nil, err
	}
	a.Embedder = ai.NewOllamaEmbedder(cfg.OllamaBaseURL, cfg.OllamaEmbeddingModel)

	// Provider registry (route by session.Provider + session.Model)
	a.Registry = ai.NewRegistry()
	ai.RegisterOllama(a.Registry, cfg.OllamaBaseURL, cfg.OllamaModel)
	logger.Info().Strs("providers", a.Registry.Names()).Str("model", cfg.OllamaModel).Msg("chat providers registered")

	var tokens retrieval.TokenCounter = retrieval.ApproxCounter{}
	if cfg.TokenCounter == "tiktoken" {
		if tokens, err = retrieval.NewTiktokenCounter(); err != nil {
			logger.Warn().Err(err).Msg("tiktoken unavailable, using approximate token counts")
			tokens = retrieval.ApproxCounter{}
		}
	}
	retriever := retrieval.New(a.Index, a.Embedder, cfg.Namespaces, retrieval.Options{
		TopK:           cfg.RetrievalTopK,
		RelevanceFloor: cfg.RelevanceFloor,
		TokenBudget:    cfg.ContextBudget,
	}, tokens, logger)

	a.Credits = credits.NewService(credits.NewRepo(gdb), logger)
	a.Chat = chat.NewService(chat.NewRepo(gdb), a.Registry, a.Gate, a.Ledger, retriever, a.Credits, chat.Options{
		ContextWindowSize: cfg.ChatContextWindowSize,
		CreditCost:        cfg.ChatCreditCost,
	}, logger)

	ch := chunker.New(chunker.WithChunkSize(cfg.ChunkSize), chunker.WithOverlap(cfg.ChunkOverlap))
	ingestor := ingest.NewIngestor(a.Index, a.Embedder, ch, logger)
	a.Ingest = ingest.NewService(ingest.NewRepo(gdb), a.Gate, a.Ledger, ingestor, nil, cfg.Namespaces, logger)
	a.Ingest.SetEnqueuer(a.inProcessQueue())

	return a, nil
}

func (a *App) initLedger(ctx context.Context) error {
	switch a.Cfg.UsageBackend {
	case "redis":
		rs := redisstore.New(a.Cfg.RedisAddr, a.Cfg.RedisPassword, a.Cfg.RedisDB)
		if err := rs.Ping(ctx); err != nil {
			_ = rs.Close()
			return fmt.Errorf("redis ping: %w", err)
		}
		a.closers = append(a.closers, rs.Close)
		a.Ledger = redisstore.NewUsageLedger(rs)
	default:
		a.Ledger = usage.NewGormLedger(a.DB)
	}
	a.Logger.Info().Str("backend", a.Cfg.UsageBackend).Msg("usage ledger ready")
	return nil
}

func (a *App) initIndex(ctx context.Context) error {
	switch a.Cfg.VectorDSN {
	case "":
		a.Logger.Warn().Msg("VECTOR_DSN not set, vector index disabled")
		a.Index = vectorindex.NewDisabled(a.Logger)
	case MemoryVectorDSN:
		a.Index = vectorindex.NewMemory()
	default:
		store, err := pgvector.NewStore(ctx, a.Cfg.VectorDSN, a.Cfg.EmbeddingDim, a.Logger)
		if err != nil {
			return fmt.Errorf("pgvector connect: %w", err)
		}
		a.closers = append(a.closers, store.Close)
		if err := store.Init(ctx); err != nil {
			return fmt.Errorf("pgvector init: %w", err)
		}
		a.Index = store
	}
	return nil
}

// inProcessQueue runs ingest jobs on a goroutine, for deployments without RabbitMQ.
func (a *App) inProcessQueue() ingest.Enqueuer {
	return ingest.EnqueueFunc(func(ctx context.Context, jobID string) error {
		go func() {
			if err := a.Ingest.RunJob(context.WithoutCancel(ctx), jobID); err != nil {
				a.Logger.Error().Err(err).Str("job_id", jobID).Msg("ingest job failed")
			}
		}()
		return nil
	})
}

// Close releases connections in reverse order of creation.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.Logger.Warn().Err(err).Msg("close failed")
		}
	}
	a.closers = nil
}
