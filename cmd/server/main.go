package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"freedomtag/internal/config"
	"freedomtag/internal/db"
	"freedomtag/internal/handlers"
	"freedomtag/internal/logging"
	"freedomtag/internal/metrics"
	"freedomtag/internal/middleware"
	"freedomtag/internal/payments"
	"freedomtag/internal/rates"
	"freedomtag/internal/services"
	"freedomtag/internal/store"
	"freedomtag/internal/websocket"

	goredis "github.com/redis/go-redis/v9"
)

func main() {
	logger := logging.NewLoggerWithService("freedomtag-api")
	cfg, err := config.Load()
	if err != nil {
		logger.WithError(err).Fatal("invalid configuration")
	}
	logger.SetLevel(logging.ParseLevel(cfg.LogLevel))

	database, err := db.Connect(context.Background(), cfg.DatabaseURL, db.Pool{MaxOpen: cfg.DBMaxOpenConns, MaxIdle: cfg.DBMaxIdleConns})
	if err != nil {
		logger.WithError(err).Fatal("failed to connect database")
	}
	defer database.Close()

	wallets := store.NewWalletStore(database)
	transactions := store.NewTransactionStore(database)
	idempotency := store.NewIdempotencyStore(database)
	audit := store.NewAuditStore(database)
	directory := store.NewDirectoryStore(database)
	donations := store.NewRecurringStore(database)
	referrals := store.NewReferralStore(database)
	rateStore := store.NewRateStore(database)
	txRunner := db.NewTxRunner(database)

	m := metrics.New()
	hub := websocket.NewHub()

	ledger := services.NewLedger(txRunner, wallets, transactions, idempotency, audit, hub, m, logger)
	rewards := services.NewReferrals(directory, referrals, ledger, logger)
	onboarding := services.NewOnboarding(txRunner, wallets, directory, rewards, cfg.SettlementCurrency, logger)

	provider := newRateProvider(cfg, rateStore, database, m, logger)
	scheduler := services.NewRecurringScheduler(donations, directory, ledger, provider, audit, m, services.RecurringConfig{
		SettlementCurrency: cfg.SettlementCurrency,
		Location:           cfg.Location,
		ConversionTimeout:  cfg.FXTimeout,
		PauseStreak:        cfg.RecurringPauseStreak,
		Interval:           cfg.RecurringInterval,
	}, logger)
	reconciler := services.NewReconciler(wallets, transactions, referrals, audit, m, services.ReconcilerConfig{
		PendingWindow: cfg.ReconcilePending,
		Interval:      cfg.ReconcileInterval,
	}, logger)
	webhook := payments.NewStripeWebhook(cfg.StripeWebhookSecret, ledger, directory, cfg.SettlementCurrency, logger)

	limiter, err := middleware.NewLimiter(cfg.RateLimit)
	if err != nil {
		logger.WithError(err).WithField("rate_limit", cfg.RateLimit).Fatal("invalid rate limit")
	}

	handler := handlers.New(handlers.Deps{
		Config:       cfg,
		Logger:       logger,
		Ledger:       ledger,
		Onboarding:   onboarding,
		Recurring:    scheduler,
		Reconciler:   reconciler,
		Referrals:    rewards,
		Directory:    directory,
		Transactions: transactions,
		Wallets:      wallets,
		ReferralLog:  referrals,
		Audit:        audit,
		Webhook:      webhook,
		Hub:          hub,
		Metrics:      m,
		Limiter:      limiter,
	})
	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler.Routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	scheduler.Start(ctx)
	reconciler.Start(ctx)

	go func() {
		logger.WithField("addr", server.Addr).Info("freedomtag API listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("server error")
		}
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
	<-shutdown
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("shutdown error")
	}
	stop()
	scheduler.Stop()
	reconciler.Stop()
}

// newRateProvider builds live, then stored, then configured fallback rates,
// behind an in-process cache that is shared through Redis when configured.
func newRateProvider(cfg config.Config, rateStore *store.RateStore, database store.Tx, m *metrics.Metrics, logger logging.Logger) rates.Provider {
	stored := rates.NewStoredProvider(rateStore, database)
	chain := rates.NewChain(logger, m)
	if cfg.FXProviderURL != "" {
		live := rates.NewHTTPProvider(rates.HTTPConfig{
			BaseURL: cfg.FXProviderURL,
			APIKey:  cfg.FXProviderAPIKey,
			Timeout: cfg.FXTimeout,
		})
		chain.Add("live", rates.Recording(live, stored, logger))
	}
	chain.Add("stored", stored)
	chain.Add("fallback", rates.NewStaticProvider(cfg.FXFallbackRates))

	var shared rates.Cache
	if cfg.RedisURL != "" {
		opts, err := goredis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.WithError(err).Warn("invalid REDIS_URL, rate cache stays local")
		} else {
			shared = rates.NewRedisCache(goredis.NewClient(opts))
		}
	}
	return rates.NewCachedProvider(chain, cfg.FXCacheTTL, shared, logger)
}
