package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"agent-ingest/internal/archive"
	"agent-ingest/internal/config"
	"agent-ingest/internal/dispatch"
	"agent-ingest/internal/queue"
	"agent-ingest/internal/settings"
	"agent-ingest/internal/store"
	"agent-ingest/internal/telemetry"
	"agent-ingest/internal/worker"
)

func main() {
	cfg := config.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("service", "worker")
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer client.Close()
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Error("connect redis", "addr", cfg.RedisAddr, "error", err)
		os.Exit(1)
	}

	var arch *archive.Archive
	if cfg.PostgresDSN != "" {
		var err error
		arch, err = archive.New(ctx, cfg.PostgresDSN)
		if err != nil {
			logger.Error("connect postgres", "error", err)
			os.Exit(1)
		}
		defer arch.Close()
		if err := arch.RunMigrations(ctx); err != nil {
			logger.Error("run migrations", "error", err)
			os.Exit(1)
		}
	}

	st := store.New(client, cfg.RecentJobsLimit, logger)
	q := queue.New(client, cfg.QueueName, cfg.QueueMaxDepth, cfg.DequeueTimeout)
	sp := settings.NewRedisProvider(client)
	d := dispatch.New(dispatch.Options{
		Client:          client,
		Store:           st,
		Settings:        sp,
		Timeout:         cfg.IntegrationTimeout,
		TelegramAPIBase: cfg.TelegramAPIBase,
		Logger:          logger,
	})

	handler, err := worker.NewMediaHandler(ctx, cfg)
	if err != nil {
		logger.Error("init media handler", "error", err)
		os.Exit(1)
	}

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			logger.Warn("metrics server stopped", "error", err)
		}
	}()

	processor := worker.NewProcessor(cfg, q, st, sp, d, arch, handler.Handle, logger)
	logger.Info("worker started", "concurrency", cfg.WorkerConcurrency, "queue", cfg.QueueName)
	if err := processor.Run(ctx); err != nil {
		logger.Error("worker stopped", "error", err)
	}
}
