package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"esimflow/auth"
	"esimflow/config"
	"esimflow/db"
	"esimflow/httpapi"
	"esimflow/metrics"
	"esimflow/notify"
	"esimflow/order"
	"esimflow/provider"
	"esimflow/queue"
	"esimflow/signature"
	"esimflow/webhook"

	_ "github.com/joho/godotenv/autoload"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("bootstrap logger: %v", err)
	}
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("bootstrap database pool", zap.Error(err))
	}
	defer pool.Close()

	metrics.Register(prometheus.DefaultRegisterer)

	orderRepo := order.NewRepository(pool)
	queueRepo := queue.NewRepository(pool)
	webhookRepo := webhook.NewRepository(pool)
	authRepo := auth.NewRepository(pool)

	providerClient := provider.NewClient(provider.Config{
		BaseURL:    cfg.ProviderBaseURL,
		AccessCode: cfg.ProviderAccessCode,
		SecretKey:  cfg.ProviderSecretKey,
		Timeout:    cfg.ProviderTimeout,
	}, logger.Named("provider"))

	reconciler := order.NewReconciler(orderRepo, logger.Named("order")).
		WithWorkFailer(queueRepo)

	notifier := notify.NewLogNotifier(logger.Named("notify"))

	processor := queue.NewProcessor(queueRepo, providerClient, reconciler, logger.Named("queue"), queue.Options{
		BatchSize:   cfg.QueueBatchSize,
		Workers:     cfg.QueueWorkers,
		MaxRetries:  cfg.QueueMaxRetries,
		BaseBackoff: cfg.QueueBaseBackoff,
		StaleAfter:  cfg.QueueStaleAfter,
		MaxAge:      cfg.QueueMaxAge,
	}).WithNotifier(notifier)

	webhookSvc := webhook.NewService(webhookRepo, reconciler, logger.Named("webhook")).
		WithProfileFetcher(providerClient)

	authSvc := auth.NewService(authRepo, cfg.JWTSecret)
	verifier := signature.NewVerifier(cfg.WebhookSecretKey, cfg.SignatureMaxSkew)

	server := httpapi.NewServer(
		authSvc,
		processor,
		webhookSvc,
		verifier,
		orderRepo,
		queueRepo,
		webhookRepo,
		logger.Named("http"),
	)

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("listening", zap.String("addr", cfg.ListenAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("serve", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown", zap.Error(err))
	}
}
