package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"finitefield.org/storefront/internal/cartstore"
	"finitefield.org/storefront/internal/platform/auth"
	"finitefield.org/storefront/internal/platform/config"
	"finitefield.org/storefront/internal/platform/idempotency"
	"finitefield.org/storefront/internal/platform/observability"
	"finitefield.org/storefront/internal/stubapi"
)

const cartTTL = 30 * 24 * time.Hour

func main() {
	ctx := context.Background()

	cfg, err := config.Load(ctx, config.WithConfigFile(os.Getenv("STOREFRONT_CONFIG_FILE")))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	baseLogger, err := observability.NewLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()
	logger := baseLogger.Named("cartstub")

	store, closeStore := buildStore(ctx, logger, cfg)
	defer closeStore()

	var primary auth.Authenticator
	if cfg.Firebase.ProjectID != "" {
		firebaseAuth, err := auth.NewFirebaseAuthenticator(ctx, cfg.Firebase)
		if err != nil {
			logger.Warn("firebase authenticator unavailable; debug tokens only", zap.Error(err))
		} else {
			primary = firebaseAuth
		}
	}

	idempotencyStore := idempotency.NewMemoryStore()
	janitorCtx, stopJanitor := context.WithCancel(ctx)
	var janitorWG sync.WaitGroup
	janitorWG.Add(1)
	go func() {
		defer janitorWG.Done()
		idempotency.RunJanitor(janitorCtx, idempotencyStore, 10*time.Minute, logger.Named("idempotency"))
	}()

	handler := stubapi.New(stubapi.Options{
		Store:         store,
		Authenticator: auth.Chain(primary, !cfg.IsProduction()),
		Idempotency:   idempotencyStore,
		Logger:        logger,
		FailRate:      cfg.Stub.FailRate,
		Latency:       cfg.Stub.Latency,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Stub.Port,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout + cfg.Stub.Latency,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("cart stub listening",
			zap.String("addr", srv.Addr),
			zap.Float64("fail_rate", cfg.Stub.FailRate),
			zap.Duration("latency", cfg.Stub.Latency),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("http server failed", zap.Error(err))
		}
	}()

	<-sigCtx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
	stopJanitor()
	janitorWG.Wait()
	logger.Info("cart stub stopped")
}

func buildStore(ctx context.Context, logger *zap.Logger, cfg config.Config) (cartstore.Store, func()) {
	if cfg.Stub.RedisAddr == "" {
		logger.Info("using in-memory cart store")
		return cartstore.NewMemoryStore(cfg.Cart.Currency, cartstore.DemoItems), func() {}
	}

	client := redis.NewClient(&redis.Options{Addr: cfg.Stub.RedisAddr})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Fatal("redis unavailable", zap.String("addr", cfg.Stub.RedisAddr), zap.Error(err))
	}
	logger.Info("using redis cart store", zap.String("addr", cfg.Stub.RedisAddr))
	return cartstore.NewRedisStore(client, cfg.Cart.Currency, cartstore.DemoItems, cartTTL), func() {
		if err := client.Close(); err != nil {
			logger.Warn("redis close error", zap.Error(err))
		}
	}
}
