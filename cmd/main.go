/**
 * @description
 * This is the main entry point for the transfer-service. It is responsible for
 * initializing all components of the service, including configuration, logging, the
 * configured store, the optional Redis and RabbitMQ connections, the transfer engine and
 * the HTTP server. It wires everything together and starts the service.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: For HTTP routing.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/redis/go-redis/v9: rate limiting and distributed account locks.
 * - go.uber.org/zap: structured logging.
 * - internal/api, internal/app, internal/config, internal/store: Internal packages for the service.
 * - pkg/rabbitmq: Client for RabbitMQ.
 */

package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/transfa/transfer-service/internal/api"
	"github.com/transfa/transfer-service/internal/app"
	"github.com/transfa/transfer-service/internal/config"
	"github.com/transfa/transfer-service/internal/logging"
	"github.com/transfa/transfer-service/internal/store"
	rmrabbit "github.com/transfa/transfer-service/pkg/rabbitmq"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat, "transfer-service")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"logger init failed\" err=%v", err)
	}
	defer logger.Sync()
	bootLog := logger.With(zap.String("component", "bootstrap"))

	for _, warning := range cfg.Warnings {
		bootLog.Warn("config warning", zap.String("detail", warning))
	}
	if strings.TrimSpace(cfg.InternalAPIKey) == "" {
		bootLog.Warn("internal api key not configured; internal auth disabled", zap.String("env", "INTERNAL_API_KEY"))
	}
	if strings.TrimSpace(cfg.SessionJWTSecret) == "" {
		bootLog.Warn("session secret not configured; every transfer request will be rejected", zap.String("env", "SESSION_JWT_SECRET"))
	}

	bootLog.Info("starting transfer-service",
		zap.String("port", cfg.ServerPort),
		zap.String("storage_backend", cfg.StorageBackend))

	repository, err := openRepository(cfg, logger)
	if err != nil {
		bootLog.Fatal("store open failed", zap.Error(err))
	}
	defer repository.Close()

	var redisClient *redis.Client
	if strings.TrimSpace(cfg.RedisURL) == "" {
		bootLog.Info("redis url missing; using in-process account locks and no prepare rate limit", zap.String("env", "REDIS_URL"))
	} else {
		redisOptions, parseErr := redis.ParseURL(cfg.RedisURL)
		if parseErr != nil {
			bootLog.Warn("redis url parse failed; using in-process account locks", zap.Error(parseErr))
		} else {
			redisClient = redis.NewClient(redisOptions)
			pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancelPing()
			if pingErr := redisClient.Ping(pingCtx).Err(); pingErr != nil {
				bootLog.Warn("redis ping failed; using in-process account locks", zap.Error(pingErr))
				redisClient.Close()
				redisClient = nil
			} else {
				defer redisClient.Close()
				bootLog.Info("redis connected")
			}
		}
	}

	var publisher rmrabbit.Publisher = &rmrabbit.EventProducerFallback{Logger: logger}
	if strings.TrimSpace(cfg.RabbitMQURL) != "" {
		producer, producerErr := rmrabbit.NewEventProducer(cfg.RabbitMQURL, cfg.EventsExchange, logger)
		if producerErr != nil {
			bootLog.Warn("rabbitmq producer unavailable; using fallback", zap.Error(producerErr))
		} else {
			defer producer.Close()
			publisher = producer
			bootLog.Info("rabbitmq producer connected", zap.String("exchange", cfg.EventsExchange))
		}
	}

	var locker app.AccountLocker = app.NewLocalAccountLocker()
	var rateLimiter app.RateLimiter
	if redisClient == nil && cfg.StorageBackend != config.StorageBackendJournal {
		bootLog.Warn("postgres without redis: account locks are per instance, caps are re-checked inside each commit")
	}
	if redisClient != nil {
		redisLocker, lockErr := app.NewRedisAccountLocker(redisClient, cfg.RedisKeyPrefix, app.DefaultRedisLockOptions(), logger)
		if lockErr != nil {
			bootLog.Fatal("account locker init failed", zap.Error(lockErr))
		}
		locker = redisLocker
		rateLimiter = app.NewRedisRateLimiter(redisClient, cfg.RedisKeyPrefix)
	}

	directory := app.NewAccountDirectory(repository)
	registry := app.NewBeneficiaryRegistry(repository, directory, publisher, logger)
	limits, err := app.NewLimitsEnforcer(repository, directory, app.LimitsConfig{
		PerTransactionCap: cfg.PerTransactionCap,
		DailyCap:          cfg.DailyCap,
		Location:          cfg.Location(),
	})
	if err != nil {
		bootLog.Fatal("limits init failed", zap.Error(err))
	}
	engine := app.NewTransferEngine(app.EngineDeps{
		Repo:        repository,
		Directory:   directory,
		Registry:    registry,
		Limits:      limits,
		Locker:      locker,
		RateLimiter: rateLimiter,
		Publisher:   publisher,
		Logger:      logger,
	}, app.EngineConfig{PrepareRateLimitPerMinute: cfg.PrepareRateLimitPerMinute})

	if auditSource, ok := repository.(app.LedgerAuditSource); ok && cfg.AuditSchedule != "" {
		auditor := app.NewAuditScheduler(auditSource, cfg.AuditSchedule, app.LimitsConfig{
			PerTransactionCap: cfg.PerTransactionCap,
			DailyCap:          cfg.DailyCap,
			Location:          cfg.Location(),
		}, logger)
		if err := auditor.Start(); err != nil {
			bootLog.Warn("ledger audit disabled", zap.String("schedule", cfg.AuditSchedule), zap.Error(err))
		} else {
			defer auditor.Stop()
		}
	}

	handlers := api.NewHandlers(engine, directory, registry, limits, logger)
	router := api.NewRouter(handlers, api.RouterConfig{
		InternalAPIKey:   cfg.InternalAPIKey,
		SessionJWTSecret: cfg.SessionJWTSecret,
	})

	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	server := &http.Server{
		Addr:              serverAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("server listening", zap.String("component", "http"), zap.String("addr", serverAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server stopped unexpectedly", zap.String("component", "http"), zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	logger.Info("shutdown started", zap.String("component", "http"))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("shutdown failed", zap.String("component", "http"), zap.Error(err))
	}

	logger.Info("shutdown complete", zap.String("component", "http"))
}

// openRepository opens the configured backend. The postgres backend gets its schema and,
// when SEED_PATH is set, the base snapshot applied on startup.
func openRepository(cfg config.Config, logger *zap.Logger) (store.Repository, error) {
	if cfg.StorageBackend == config.StorageBackendJournal {
		return store.OpenJournalRepository(cfg.SeedPath, cfg.JournalPath, logger)
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("database url parse failed: %w", err)
	}
	poolConfig.MaxConns = 50
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	dbpool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("database connection failed: %w", err)
	}
	if err := dbpool.Ping(ctx); err != nil {
		dbpool.Close()
		return nil, fmt.Errorf("database ping failed: %w", err)
	}

	repository := store.NewPostgresRepository(dbpool)
	if err := repository.EnsureSchema(ctx); err != nil {
		repository.Close()
		return nil, err
	}
	if strings.TrimSpace(cfg.SeedPath) != "" {
		snapshot, err := store.LoadSnapshot(cfg.SeedPath)
		if err != nil {
			repository.Close()
			return nil, err
		}
		if err := repository.LoadSnapshot(ctx, snapshot); err != nil {
			repository.Close()
			return nil, err
		}
	}
	logger.Info("database connected", zap.String("component", "bootstrap"))
	return repository, nil
}
