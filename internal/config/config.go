package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/suPer8Hu/pet-assistant/internal/usage"
	"github.com/suPer8Hu/pet-assistant/internal/vectorindex"
)

type Config struct {
	AppEnv   string
	HTTPAddr string
	LogLevel string

	// browser origins allowed by CORS; empty disables the middleware
	CORSOrigins []string

	DBDriver  string // mysql | sqlite
	DBDSN     string
	JWTSecret string

	// usage ledger backend: db | redis
	UsageBackend  string
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	ChatContextWindowSize int

	// AI provider
	OllamaBaseURL        string
	OllamaModel          string
	OllamaEmbeddingModel string

	// vector index; empty DSN runs the index disabled
	VectorDSN      string
	EmbeddingDim   int
	Namespaces     vectorindex.Namespaces
	ChunkSize      int
	ChunkOverlap   int
	RetrievalTopK  int
	RelevanceFloor float64
	ContextBudget  int
	TokenCounter   string // tiktoken | approx

	// metering and credits
	Limits           usage.Limits
	UpgradeHint      string
	ChatCreditCost   int64
	DailyFreeCredits int64
	WebhookSecret    string

	// rabbitMQ; empty URL runs ingest jobs in-process
	RabbitURL   string
	RabbitQueue string
}

// LimitsFile is the optional YAML override for metering settings.
type LimitsFile struct {
	Daily            map[string]int64 `yaml:"daily"`
	UpgradeHint      string           `yaml:"upgrade_hint"`
	ChatCreditCost   *int64           `yaml:"chat_credit_cost"`
	DailyFreeCredits *int64           `yaml:"daily_free_credits"`
}

func Load() (Config, error) {
	// DSN demo：
	// app:apppass@tcp(127.0.0.1:3306)/pet_assistant?charset=utf8mb4&parseTime=true&loc=UTC
	driver := strings.ToLower(env("DB_DRIVER", "mysql"))
	dsn := os.Getenv("DB_DSN")
	if dsn == "" {
		switch driver {
		case "sqlite":
			dsn = "file:pet_assistant.db?_pragma=busy_timeout(5000)"
		default:
			dsn = fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=true&loc=UTC",
				"app", "apppass", "127.0.0.1", "3306", "pet_assistant",
			)
		}
	}

	appEnv := strings.ToLower(env("APP_ENV", "development"))

	cfg := Config{
		AppEnv:   appEnv,
		HTTPAddr: env("HTTP_ADDR", ":8080"),
		LogLevel: env("LOG_LEVEL", "info"),

		DBDriver:  driver,
		DBDSN:     dsn,
		JWTSecret: env("JWT_SECRET", "dev-secret-change-me"),

		UsageBackend:  strings.ToLower(env("USAGE_BACKEND", "db")),
		RedisAddr:     env("REDIS_ADDR", "127.0.0.1:6379"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       envInt("REDIS_DB", 0),

		ChatContextWindowSize: envInt("CHAT_CONTEXT_WINDOW_SIZE", 20),

		OllamaBaseURL:        env("OLLAMA_BASE_URL", "http://localhost:11434"),
		OllamaModel:          env("OLLAMA_MODEL", "llama3:latest"),
		OllamaEmbeddingModel: env("OLLAMA_EMBEDDING_MODEL", "nomic-embed-text"),

		VectorDSN:      os.Getenv("VECTOR_DSN"),
		EmbeddingDim:   envInt("EMBEDDING_DIM", 768),
		Namespaces:     vectorindex.NewNamespaces(appEnv),
		ChunkSize:      envInt("CHUNK_SIZE", 1000),
		ChunkOverlap:   envInt("CHUNK_OVERLAP", 200),
		RetrievalTopK:  envInt("RETRIEVAL_TOP_K", 5),
		RelevanceFloor: envFloat("RELEVANCE_FLOOR", 0.35),
		ContextBudget:  envInt("CONTEXT_TOKEN_BUDGET", 1500),
		TokenCounter:   strings.ToLower(env("TOKEN_COUNTER", "tiktoken")),

		Limits:           usage.DefaultLimits(),
		UpgradeHint:      env("UPGRADE_HINT", "Upgrade to Premium for higher daily limits."),
		ChatCreditCost:   int64(envInt("CHAT_CREDIT_COST", 1)),
		DailyFreeCredits: int64(envInt("DAILY_FREE_CREDITS", 10)),
		WebhookSecret:    os.Getenv("PAYMENT_WEBHOOK_SECRET"),

		CORSOrigins: splitList(os.Getenv("CORS_ORIGINS")),

		RabbitURL:   os.Getenv("RABBIT_URL"),
		RabbitQueue: env("RABBIT_QUEUE", "ingest_jobs"),
	}

	for _, d := range usage.Dimensions() {
		key := "LIMIT_" + strings.ToUpper(string(d))
		if v := os.Getenv(key); v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return Config{}, fmt.Errorf("%s: %w", key, err)
			}
			cfg.Limits[d] = n
		}
	}

	if path := os.Getenv("LIMITS_FILE"); path != "" {
		if err := cfg.applyLimitsFile(path); err != nil {
			return Config{}, err
		}
	}

	if cfg.ChunkOverlap >= cfg.ChunkSize {
		return Config{}, fmt.Errorf("CHUNK_OVERLAP (%d) must be smaller than CHUNK_SIZE (%d)", cfg.ChunkOverlap, cfg.ChunkSize)
	}
	if cfg.UsageBackend != "db" && cfg.UsageBackend != "redis" {
		return Config{}, fmt.Errorf("unsupported USAGE_BACKEND=%q", cfg.UsageBackend)
	}
	return cfg, nil
}

func (c *Config) applyLimitsFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read limits file: %w", err)
	}
	var f LimitsFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return fmt.Errorf("parse limits file %s: %w", path, err)
	}
	for name, n := range f.Daily {
		d, err := usage.ParseDimension(name)
		if err != nil {
			return fmt.Errorf("limits file %s: %w", path, err)
		}
		c.Limits[d] = n
	}
	if f.UpgradeHint != "" {
		c.UpgradeHint = f.UpgradeHint
	}
	if f.ChatCreditCost != nil {
		c.ChatCreditCost = *f.ChatCreditCost
	}
	if f.DailyFreeCredits != nil {
		c.DailyFreeCredits = *f.DailyFreeCredits
	}
	return nil
}

func env(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
