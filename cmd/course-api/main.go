// Package main provides the course API service entry point.
package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxcourse/internal/api/handlers"
	"github.com/drfirst/go-rxcourse/internal/api/middleware"
	"github.com/drfirst/go-rxcourse/internal/config"
	"github.com/drfirst/go-rxcourse/internal/domain/prescription"
	"github.com/drfirst/go-rxcourse/internal/infrastructure/memory"
	"github.com/drfirst/go-rxcourse/internal/infrastructure/postgres"
	"github.com/drfirst/go-rxcourse/internal/infrastructure/redislock"
	"github.com/drfirst/go-rxcourse/internal/observability/metrics"
	"github.com/drfirst/go-rxcourse/internal/observability/tracing"
)

const serviceName = "course-api"

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

	ctx := context.Background()

	tp, err := tracing.Init(ctx, tracing.ForService(serviceName, cfg))
	if err != nil {
		logger.Fatal("tracing init failed", zap.Error(err))
	}

	m := metrics.New()

	// Storage: postgres when configured, otherwise an in-memory store.
	var repo prescription.Repository
	var ready func(ctx context.Context) error
	if cfg.DatabaseURL != "" {
		poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
		if err != nil {
			logger.Fatal("invalid DATABASE_URL", zap.Error(err))
		}
		poolCfg.MaxConns = cfg.DBMaxConns
		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			logger.Fatal("failed to connect to database", zap.Error(err))
		}
		defer pool.Close()

		if err := pool.Ping(ctx); err != nil {
			logger.Fatal("database ping failed", zap.Error(err))
		}
		if err := postgres.Migrate(ctx, pool); err != nil {
			logger.Fatal("migration failed", zap.Error(err))
		}
		logger.Info("connected to database")

		repo = postgres.NewPrescriptionStore(pool, logger)
		ready = pool.Ping
	} else {
		logger.Warn("DATABASE_URL not set, using in-memory store")
		repo = memory.NewStore()
		ready = func(context.Context) error { return nil }
	}

	opts := []prescription.ServiceOption{
		prescription.WithObserver(m),
		prescription.WithCorrelation(middleware.GetRequestID),
	}
	if cfg.RedisURL != "" {
		client, err := redislock.Connect(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatal("redis connection failed", zap.Error(err))
		}
		defer client.Close()
		opts = append(opts, prescription.WithLocker(redislock.New(client, redislock.DefaultConfig(), logger)))
		logger.Info("using redis prescription locks")
	}

	svc := prescription.NewService(repo, logger, opts...)
	prescriptionHandler := handlers.NewPrescriptionHandler(svc, logger)

	r := chi.NewRouter()

	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS(cfg.Origins()))
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Metrics(m))
	r.Use(middleware.Tracing(serviceName))

	r.Get("/health", healthHandler(cfg.ServiceVersion))
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := ready(r.Context()); err != nil {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	r.Handle("/metrics", m.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.APIKeyAuth(cfg.APIKeyMap()))
		r.Use(middleware.RateLimit(middleware.RateLimitConfig{
			RequestsPerSecond: cfg.RateLimitRPS,
			Burst:             cfg.RateLimitBurst,
		}))
		r.Mount("/", prescriptionHandler.Routes())
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		logger.Info("shutting down server")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			logger.Error("shutdown error", zap.Error(err))
		}
		if err := tp.Shutdown(ctx); err != nil {
			logger.Error("tracer shutdown error", zap.Error(err))
		}
	}()

	logger.Info("starting course API", zap.String("port", cfg.Port), zap.String("env", cfg.Env))
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		logger.Fatal("server error", zap.Error(err))
	}

	logger.Info("server stopped")
}

func healthHandler(version string) http.HandlerFunc {
	body, _ := json.Marshal(map[string]string{
		"status":  "healthy",
		"service": serviceName,
		"version": version,
	})
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(body)
	}
}
