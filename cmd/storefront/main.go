package main

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"finitefield.org/storefront/internal/cart"
	"finitefield.org/storefront/internal/cartapi"
	"finitefield.org/storefront/internal/cartstore"
	"finitefield.org/storefront/internal/i18n"
	"finitefield.org/storefront/internal/platform/auth"
	"finitefield.org/storefront/internal/platform/config"
	"finitefield.org/storefront/internal/platform/observability"
	"finitefield.org/storefront/internal/platform/secrets"
	"finitefield.org/storefront/internal/session"
	"finitefield.org/storefront/internal/storefront"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "storefront: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bootstrapLogger, err := observability.NewLogger(os.Getenv("STOREFRONT_LOG_LEVEL"))
	if err != nil {
		return fmt.Errorf("initialise logger: %w", err)
	}

	fetcher, err := newSecretFetcher(ctx, bootstrapLogger)
	if err != nil {
		return fmt.Errorf("initialise secret fetcher: %w", err)
	}
	defer func() {
		if err := fetcher.Close(); err != nil {
			bootstrapLogger.Warn("secret fetcher close error", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx,
		config.WithConfigFile(os.Getenv("STOREFRONT_CONFIG_FILE")),
		config.WithSecretResolver(fetcher),
	)
	if err != nil {
		var validation *config.ValidationError
		if errors.As(err, &validation) {
			bootstrapLogger.Error("invalid configuration", zap.Strings("fields", validation.Fields()))
		}
		return fmt.Errorf("load configuration: %w", err)
	}

	baseLogger, err := observability.NewLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("initialise logger: %w", err)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()
	logger := baseLogger.Named("storefront").With(zap.String("env", cfg.Environment))

	remote, err := buildRemote(logger, cfg)
	if err != nil {
		return err
	}
	metrics, err := cart.NewMetrics(nil)
	if err != nil {
		return err
	}
	policy := cart.ShippingPolicy{FreeThreshold: cfg.Cart.FreeShippingThreshold, FlatFee: cfg.Cart.FlatShippingFee}
	controllerLogger := logger.Named("cart")
	registry := session.NewRegistry(func(sess cart.Session) *cart.Controller {
		return cart.NewController(sess, remote,
			cart.WithLogger(controllerLogger),
			cart.WithShippingPolicy(policy),
			cart.WithMutationTimeout(cfg.Cart.MutationTimeout),
			cart.WithMetrics(metrics),
		)
	}, session.WithIdleTTL(cfg.Session.IdleTTL), session.WithRegistryLogger(logger.Named("registry")))
	defer registry.Close()

	manager, err := buildSessionManager(logger, cfg)
	if err != nil {
		return err
	}
	bundle, err := i18n.Default(cfg.I18n.DefaultLocale)
	if err != nil {
		return err
	}

	handler, err := storefront.New(storefront.Config{
		Sessions:      manager,
		Registry:      registry,
		Authenticator: buildAuthenticator(ctx, logger, cfg),
		Messages:      bundle,
		Logger:        logger,
		Currency:      cfg.Cart.Currency,
	})
	if err != nil {
		return fmt.Errorf("build storefront: %w", err)
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.Info("storefront listening", zap.String("addr", srv.Addr), zap.Bool("remote_api", cfg.API.BaseURL != ""))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		registry.Run(groupCtx, cfg.Session.SweepInterval)
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("graceful shutdown failed", zap.Error(err))
		}
		return nil
	})

	err = group.Wait()
	logger.Info("storefront stopped")
	return err
}

// newSecretFetcher reads its project from the environment because the
// configuration it resolves is not loaded yet.
func newSecretFetcher(ctx context.Context, logger *zap.Logger) (*secrets.Fetcher, error) {
	project := os.Getenv("STOREFRONT_SECRETS_PROJECT_ID")
	if project == "" {
		project = os.Getenv("STOREFRONT_FIREBASE_PROJECT_ID")
	}
	opts := []secrets.Option{secrets.WithLogger(logger), secrets.WithProject(project)}
	if path := os.Getenv("STOREFRONT_SECRETS_FALLBACK_FILE"); path != "" {
		opts = append(opts, secrets.WithFallbackFile(path))
	}
	return secrets.NewFetcher(ctx, opts...)
}

func buildRemote(logger *zap.Logger, cfg config.Config) (cart.Remote, error) {
	if cfg.API.BaseURL == "" {
		logger.Warn("cart API base URL not set; using in-process static cart")
		return cartapi.NewStatic(cartstore.NewMemoryStore(cfg.Cart.Currency, cartstore.DemoItems)), nil
	}
	client, err := cartapi.NewClient(cfg.API.BaseURL,
		cartapi.WithHTTPClient(&http.Client{Timeout: cfg.API.Timeout}),
		cartapi.WithLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("build cart api client: %w", err)
	}
	return client, nil
}

func buildSessionManager(logger *zap.Logger, cfg config.Config) (*session.Manager, error) {
	hashKey := []byte(cfg.Session.HashKey)
	if len(hashKey) == 0 {
		// Validation requires a key in production.
		hashKey = make([]byte, 32)
		if _, err := rand.Read(hashKey); err != nil {
			return nil, fmt.Errorf("generate session key: %w", err)
		}
		logger.Warn("using ephemeral session hash key; sessions reset on restart")
	}
	return session.NewManager(session.Config{
		CookieName:   cfg.Session.CookieName,
		HashKey:      hashKey,
		BlockKey:     []byte(cfg.Session.BlockKey),
		CookieSecure: cfg.Session.Secure,
	})
}

func buildAuthenticator(ctx context.Context, logger *zap.Logger, cfg config.Config) auth.Authenticator {
	var primary auth.Authenticator
	if cfg.Firebase.ProjectID == "" {
		logger.Warn("firebase project not set; only debug tokens are accepted", zap.Bool("allow_debug", cfg.Auth.AllowDebug))
	} else {
		firebaseAuth, err := auth.NewFirebaseAuthenticator(ctx, cfg.Firebase)
		if err != nil {
			logger.Error("firebase authenticator unavailable", zap.Error(err))
		} else {
			logger.Info("firebase authenticator enabled", zap.String("project", cfg.Firebase.ProjectID))
			primary = firebaseAuth
		}
	}
	return auth.Chain(primary, cfg.Auth.AllowDebug)
}
