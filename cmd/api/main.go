package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"agent-ingest/internal/api"
	"agent-ingest/internal/archive"
	"agent-ingest/internal/config"
	"agent-ingest/internal/dispatch"
	"agent-ingest/internal/events"
	"agent-ingest/internal/queue"
	"agent-ingest/internal/ratelimit"
	"agent-ingest/internal/settings"
	"agent-ingest/internal/store"
)

func main() {
	cfg := config.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("service", "api")
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
	bus := events.New(client, st, cfg.SubscriberBuffer, logger)
	sp := settings.NewRedisProvider(client)
	d := dispatch.New(dispatch.Options{
		Client:          client,
		Store:           st,
		Settings:        sp,
		Timeout:         cfg.IntegrationTimeout,
		TelegramAPIBase: cfg.TelegramAPIBase,
		Logger:          logger,
	})
	limiter := ratelimit.NewTokenBucket(client, time.Hour)

	server := api.New(cfg, st, q, bus, sp, d, arch, limiter, logger)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	logger.Info("api listening", "port", cfg.HTTPPort)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("listen", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
