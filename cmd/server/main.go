package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/costscope/webhookd/internal/api"
	"github.com/costscope/webhookd/internal/archive"
	"github.com/costscope/webhookd/internal/config"
	"github.com/costscope/webhookd/internal/engine"
	"github.com/costscope/webhookd/internal/ledger"
	"github.com/costscope/webhookd/internal/notify"
	"github.com/costscope/webhookd/internal/queue"
	"github.com/costscope/webhookd/internal/registry"
	"github.com/costscope/webhookd/internal/signature"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Retry queue: Redis when configured, in-memory otherwise.
	var retries queue.RetryQueue
	if cfg.RedisURL != "" {
		redisQueue, err := queue.NewRedis(ctx, cfg.RedisURL)
		if err != nil {
			logger.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
		defer redisQueue.Close()
		retries = redisQueue
		logger.Info("using redis retry queue")
	} else {
		retries = queue.NewMemory()
		logger.Info("using in-memory retry queue")
	}

	reg := registry.New(cfg.DefaultMaxRetries, logger)
	led := ledger.New(nil)
	signer := signature.New(cfg.DefaultSigningSecret, cfg.SigningEnabled)

	hub := notify.NewHub(logger)
	go hub.Run(ctx)

	svc := engine.NewService(reg, led, retries, signer, engine.Config{
		DeliveryTimeout:   cfg.DeliveryTimeout,
		BaseRetryDelay:    cfg.BaseRetryDelay,
		DefaultMaxRetries: cfg.DefaultMaxRetries,
		Workers:           cfg.NumWorkers,
		RetryTick:         cfg.RetryTick,
	}, logger).WithNotifier(hub)

	// Optional durable archive of terminal outcomes.
	if cfg.DatabaseURL != "" {
		pg, err := archive.NewPostgres(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			logger.Error("failed to connect to postgres", "error", err)
			os.Exit(1)
		}
		defer pg.Close()
		svc.WithArchive(pg)
		logger.Info("delivery archive enabled")
	}

	svc.Start(ctx)

	router := api.NewRouter(svc, reg, led, hub)

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server starting", "port", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}

	graceCtx, graceCancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer graceCancel()
	svc.Shutdown(graceCtx)

	logger.Info("server stopped")
}
