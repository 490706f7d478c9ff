// Package main provides the refill worker entry point. It consumes pharmacy
// refill requests and answers each one exactly once.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxcourse/internal/config"
	"github.com/drfirst/go-rxcourse/internal/domain/prescription"
	"github.com/drfirst/go-rxcourse/internal/infrastructure/postgres"
	"github.com/drfirst/go-rxcourse/internal/infrastructure/redislock"
	"github.com/drfirst/go-rxcourse/internal/infrastructure/redpanda"
	"github.com/drfirst/go-rxcourse/internal/observability/metrics"
	"github.com/drfirst/go-rxcourse/internal/observability/tracing"
	"github.com/drfirst/go-rxcourse/internal/refill"
	"github.com/drfirst/go-rxcourse/pkg/idempotency"
)

const serviceName = "refill-worker"

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	logger, err := cfg.Logger()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	if cfg.DatabaseURL == "" {
		logger.Fatal("DATABASE_URL is required")
	}

	ctx := context.Background()

	tp, err := tracing.Init(ctx, tracing.ForService(serviceName, cfg))
	if err != nil {
		logger.Fatal("tracing init failed", zap.Error(err))
	}

	m := metrics.New()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer pool.Close()

	if err := postgres.Migrate(ctx, pool); err != nil {
		logger.Fatal("migration failed", zap.Error(err))
	}

	opts := []prescription.ServiceOption{prescription.WithObserver(m)}
	if cfg.RedisURL != "" {
		client, err := redislock.Connect(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatal("redis connection failed", zap.Error(err))
		}
		defer client.Close()
		opts = append(opts, prescription.WithLocker(redislock.New(client, redislock.DefaultConfig(), logger)))
	}
	svc := prescription.NewService(postgres.NewPrescriptionStore(pool, logger), logger, opts...)

	inboxCfg := idempotency.DefaultInboxConfig()
	inboxCfg.Terminal = prescription.IsTerminal
	inbox := idempotency.NewInbox(idempotency.NewPGStore(pool), inboxCfg, logger)
	inbox.StartCleanup()
	defer inbox.Stop()

	producerCfg := redpanda.DefaultProducerConfig()
	producerCfg.Brokers = cfg.Brokers()
	producer, err := redpanda.NewProducer(producerCfg, logger)
	if err != nil {
		logger.Fatal("producer creation failed", zap.Error(err))
	}
	defer producer.Close()

	workerCfg := refill.DefaultConfig()
	workerCfg.Pool.Workers = cfg.RefillWorkers
	worker, err := refill.NewWorker(svc, inbox, producer, workerCfg, logger)
	if err != nil {
		logger.Fatal("worker creation failed", zap.Error(err))
	}
	worker.SetObserver(m)
	worker.Start()

	consumerCfg := redpanda.DefaultConsumerConfig()
	consumerCfg.Brokers = cfg.Brokers()

	consumer, err := redpanda.NewConsumer(consumerCfg, worker.Handle, worker.DeadLetter, logger)
	if err != nil {
		logger.Fatal("consumer creation failed", zap.Error(err))
	}

	consumer.Start()
	logger.Info("refill worker started",
		zap.Strings("topics", consumerCfg.Topics),
		zap.Int("workers", workerCfg.Pool.Workers))

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if !worker.Healthy() {
			http.Error(w, "worker queues saturated", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	server := &http.Server{Addr: ":" + cfg.Port, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")
	consumer.Stop()
	worker.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	_ = tp.Shutdown(shutdownCtx)

	stats := consumer.Stats()
	logger.Info("refill worker stopped",
		zap.Int64("handled", stats.Handled),
		zap.Int64("dead_lettered", stats.DeadLettered))
}
