package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/suPer8Hu/pet-assistant/internal/app"
	"github.com/suPer8Hu/pet-assistant/internal/config"
	"github.com/suPer8Hu/pet-assistant/internal/httpapi"
	"github.com/suPer8Hu/pet-assistant/internal/httpapi/handlers"
	"github.com/suPer8Hu/pet-assistant/internal/logging"
	"github.com/suPer8Hu/pet-assistant/internal/store/rabbitmq"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		logging.New("info").Fatal().Err(err).Msg("load config")
	}
	logger := logging.New(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("init app")
	}
	defer a.Close()

	if cfg.RabbitURL != "" {
		pub, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
		if err != nil {
			logger.Fatal().Err(err).Msg("rabbit publisher")
		}
		defer pub.Close()
		a.Ingest.SetEnqueuer(pub)
	} else {
		logger.Warn().Msg("RABBIT_URL not set, ingest jobs run in-process")
	}

	if cfg.AppEnv == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	h := handlers.NewHandler(handlers.Handler{
		ChatSvc:          a.Chat,
		IngestSvc:        a.Ingest,
		CreditsSvc:       a.Credits,
		Ledger:           a.Ledger,
		Gate:             a.Gate,
		DailyFreeCredits: cfg.DailyFreeCredits,
		WebhookSecret:    cfg.WebhookSecret,
		Logger:           logger,
	})
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httpapi.NewRouter(h, cfg.JWTSecret, cfg.CORSOrigins, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.HTTPAddr).Str("env", cfg.AppEnv).Msg("api listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("listen")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("api shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown")
	}
}
