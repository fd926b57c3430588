package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/tasktrust/escrow-ledger/internal/api"
	"github.com/tasktrust/escrow-ledger/internal/api/middleware"
	"github.com/tasktrust/escrow-ledger/internal/config"
	"github.com/tasktrust/escrow-ledger/internal/db"
	"github.com/tasktrust/escrow-ledger/internal/escrow"
	"github.com/tasktrust/escrow-ledger/internal/idempotency"
	"github.com/tasktrust/escrow-ledger/internal/ledger"
	"github.com/tasktrust/escrow-ledger/internal/observability"
	"github.com/tasktrust/escrow-ledger/internal/referral"
	"github.com/tasktrust/escrow-ledger/internal/repository"
	"github.com/tasktrust/escrow-ledger/internal/worker"
)

// Run bootstraps the HTTP server and auto-release sweeper, blocking until shutdown.
func Run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)
	observability.Init()
	middleware.SetJWTSecret(cfg.JWTSecret)
	middleware.SetJWTValidation(cfg.JWTIssuer, cfg.JWTAudience)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := db.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	redisClient, err := newRedisClient(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	defer redisClient.Close()

	store := repository.NewStore(pool)
	idemStore := idempotency.NewStore(redisClient, store.Queries(), cfg.IdempotencyTTL)
	go purgeIdempotencyLoop(ctx, idemStore)

	walletLedger := ledger.NewWalletLedger(pool)
	resolver := referral.NewCodeResolver(pool)
	svc := escrow.NewService(store, walletLedger, resolver, escrow.Params{
		CommissionRate:    cfg.CommissionRate,
		ReferralRate:      cfg.ReferralRate,
		MinAmountMicros:   cfg.MinAmountMicros,
		MinDescriptionLen: cfg.MinDescriptionLen,
		MaxTimeoutHours:   cfg.MaxTimeoutHours,
	})

	sweeper := worker.NewSweeper(svc).
		WithInterval(cfg.SweepInterval).
		WithBatchSize(cfg.SweepBatchSize)
	stopSweeper := sweeper.Run(ctx)
	logger.Info("auto-release sweeper started", zap.Duration("interval", cfg.SweepInterval), zap.Int32("batch", cfg.SweepBatchSize))

	router := api.NewRouter(cfg, logger, pool, svc, walletLedger, idemStore, redisClient)

	server := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      router.Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("http server starting", zap.String("port", cfg.HTTPPort))
		serverErr <- server.ListenAndServe()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigChan:
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
	}

	logger.Info("stopping auto-release sweeper")
	stopSweeper()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return nil
}

// purgeIdempotencyLoop clears expired idempotency records hourly.
func purgeIdempotencyLoop(ctx context.Context, store *idempotency.Store) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			store.Purge(ctx)
		}
	}
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	switch strings.ToLower(level) {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info", "":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	return cfg.Build()
}

func newRedisClient(url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opt)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}
