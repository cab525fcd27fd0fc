package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	api "insight-pipeline/internal/api"
	"insight-pipeline/internal/config"
	"insight-pipeline/internal/queue"
	"insight-pipeline/internal/ratelimit"
	"insight-pipeline/internal/store"
	"insight-pipeline/internal/telemetry"
	"insight-pipeline/internal/usage"
)

func main() {
	cfg := config.Load()
	logger := telemetry.NewLogger(cfg.LogLevel).With("service", "api")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatalf("migrations: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()

	jobs, closeJobs, err := store.OpenJobStore(cfg, st, rdb)
	if err != nil {
		log.Fatalf("open job store: %v", err)
	}
	defer closeJobs()

	// The producer side only enqueues and reads; it never runs the poll loop.
	producer := queue.New(jobs, queue.Options{MaxAttempts: cfg.MaxAttempts}, logger)
	limiter := ratelimit.NewTokenBucket(rdb, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	server := api.New(api.Deps{
		Producer:  producer,
		Pipelines: st,
		Limiter:   limiter,
		Usage:     usage.NewMeter(st, logger),
	}, logger)
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("api listening", "port", cfg.HTTPPort, "backend", cfg.QueueBackend)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
