package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"insight-pipeline/internal/archive"
	"insight-pipeline/internal/config"
	"insight-pipeline/internal/connector"
	"insight-pipeline/internal/llm"
	"insight-pipeline/internal/notify"
	"insight-pipeline/internal/pipeline"
	"insight-pipeline/internal/queue"
	"insight-pipeline/internal/store"
	"insight-pipeline/internal/telemetry"
	"insight-pipeline/internal/usage"
)

func main() {
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	// Generate a unique worker ID from hostname or env var
	workerID := cfg.WorkerID
	if workerID == "" {
		hostname, _ := os.Hostname()
		if hostname != "" {
			workerID = hostname
		} else {
			workerID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}
	logger := telemetry.NewLogger(cfg.LogLevel).With("service", "worker", "worker_id", workerID)

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

	events, err := notify.FromURL(cfg.AMQPURL, cfg.AMQPExchange)
	if err != nil {
		log.Fatalf("connect amqp: %v", err)
	}
	defer events.Close()

	sched := queue.New(jobs, queue.Options{
		PollInterval:  cfg.PollInterval,
		LeaseDuration: cfg.LeaseDuration,
		BackoffBase:   cfg.BackoffBase,
		BackoffMax:    cfg.BackoffMax,
		MaxAttempts:   cfg.MaxAttempts,
		RetryPolicy:   pipeline.RetryPolicy(cfg.RetryPermanentErrors),
		OnFailed:      notify.JobFailed(events, logger),
	}, logger)

	ollama := llm.NewClient(cfg.LLMBaseURL, cfg.LLMModel, cfg.LLMTimeout, logger)
	var chatter llm.Chatter = ollama
	if cfg.LLMCacheEnabled {
		chatter = llm.NewCachedClient(ollama, rdb, cfg.LLMModel, cfg.LLMCacheTTL, logger)
	}
	if h := ollama.HealthCheck(ctx); h.Status != "healthy" {
		logger.Warn("llm server not reachable at startup", "base_url", cfg.LLMBaseURL, "error", h.Error)
	} else {
		logger.Info("llm server ready", "models", h.Models)
	}

	deps := pipeline.Deps{
		Repo: st,
		Connectors: connector.NewDefaultRegistry(connector.Options{
			Timeout:  cfg.ConnectorTimeout,
			MaxPages: cfg.ConnectorMaxPages,
			MaxBytes: cfg.ConnectorMaxBytes,
			Logger:   logger,
		}),
		LLM:      chatter,
		Usage:    usage.NewMeter(st, logger),
		Events:   events,
		Enqueuer: sched,
	}
	archiver, err := archive.FromConfig(ctx, cfg)
	if err != nil {
		log.Fatalf("init archive: %v", err)
	}
	if archiver != nil {
		deps.Archiver = archiver
	}

	orch := pipeline.New(deps, pipeline.Config{
		ReportSampleRows: cfg.ReportSampleRows,
		PromptSampleRows: cfg.PromptSampleRows,
	}, logger)
	if err := orch.Register(sched); err != nil {
		log.Fatalf("register pipeline handler: %v", err)
	}

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			logger.Error("metrics server stopped", "error", err)
		}
	}()

	logger.Info("worker started",
		"backend", cfg.QueueBackend,
		"poll_interval", cfg.PollInterval,
		"lease", cfg.LeaseDuration,
		"backoff_base", cfg.BackoffBase,
		"handlers", sched.Handlers())
	if err := sched.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker stopped", "error", err)
	}
}
