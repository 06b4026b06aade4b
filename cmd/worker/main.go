package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/phuslu/log"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/suPer8Hu/pet-assistant/internal/app"
	"github.com/suPer8Hu/pet-assistant/internal/config"
	"github.com/suPer8Hu/pet-assistant/internal/ingest"
	"github.com/suPer8Hu/pet-assistant/internal/logging"
	"github.com/suPer8Hu/pet-assistant/internal/store/rabbitmq"
)

func workerConcurrency() int {
	v := os.Getenv("WORKER_CONCURRENCY")
	if v == "" {
		return 2
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 2
	}
	if n > 50 {
		return 50
	}
	return n
}

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		logging.New("info").Fatal().Err(err).Msg("load config")
	}
	logger := logging.New(cfg.LogLevel)
	if cfg.RabbitURL == "" {
		logger.Fatal().Msg("RABBIT_URL is required for the worker")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("init app")
	}
	defer a.Close()

	conn, err := amqp.Dial(cfg.RabbitURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("rabbit dial")
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		logger.Fatal().Err(err).Msg("rabbit channel")
	}
	defer ch.Close()

	if err := rabbitmq.DeclareQueues(ch, cfg.RabbitQueue); err != nil {
		logger.Fatal().Err(err).Msg("queue declare")
	}

	//  strict concurrency control
	concurrency := workerConcurrency()
	if err := ch.Qos(concurrency, 0, false); err != nil {
		logger.Fatal().Err(err).Msg("qos")
	}

	msgs, err := ch.Consume(cfg.RabbitQueue, "", false, false, false, false, nil)
	if err != nil {
		logger.Fatal().Err(err).Msg("consume")
	}

	logger.Info().Str("queue", cfg.RabbitQueue).Int("concurrency", concurrency).Msg("worker started")

	// worker pool; jobs already dispatched finish after a shutdown signal
	jobs := make(chan amqp.Delivery, concurrency*2)
	jobCtx := context.WithoutCancel(ctx)

	var wg sync.WaitGroup
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func(workerID int) {
			defer wg.Done()
			for d := range jobs {
				handleDelivery(jobCtx, a.Ingest, logger, workerID, d)
			}
		}(i)
	}

	// dispatcher
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("worker shutting down")
			close(jobs)
			wg.Wait()
			return

		case d, ok := <-msgs:
			if !ok {
				logger.Warn().Msg("delivery channel closed")
				close(jobs)
				wg.Wait()
				return
			}
			jobs <- d
		}
	}
}

// handleDelivery acks processed jobs and dead-letters the rest. A failed job has
// already released its quota, so it is never requeued.
func handleDelivery(ctx context.Context, svc *ingest.Service, logger *log.Logger, workerID int, d amqp.Delivery) {
	m, err := rabbitmq.DecodeJob(d.Body)
	if err != nil {
		logger.Warn().Err(err).Int("worker", workerID).Msg("bad message")
		_ = d.Nack(false, false)
		return
	}

	start := time.Now()
	if err := svc.RunJob(ctx, m.JobID); err != nil {
		logger.Error().Err(err).Int("worker", workerID).Str("job_id", m.JobID).Dur("cost", time.Since(start)).Msg("ingest job failed")
		_ = d.Nack(false, false)
		return
	}

	if err := d.Ack(false); err != nil {
		logger.Warn().Err(err).Int("worker", workerID).Str("job_id", m.JobID).Msg("ack failed")
	}
	if cost := time.Since(start); cost > 2*time.Second {
		logger.Info().Int("worker", workerID).Str("job_id", m.JobID).Dur("cost", cost).Msg("slow ingest job")
	}
}
