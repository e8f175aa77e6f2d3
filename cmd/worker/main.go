package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/pixload/darkroom/internal/codec"
	"github.com/pixload/darkroom/internal/config"
	"github.com/pixload/darkroom/internal/fetch"
	"github.com/pixload/darkroom/internal/pipeline"
	"github.com/pixload/darkroom/internal/storage"
	"github.com/pixload/darkroom/internal/store"
	"github.com/pixload/darkroom/internal/telemetry"
	"github.com/pixload/darkroom/internal/webhook"
	"github.com/pixload/darkroom/internal/worker"
)

func main() {
	cfg := config.Load()
	logger := log.New(os.Stdout, "[worker] ", log.LstdFlags|log.Lmsgprefix)

	if cfg.Queue.RedisAddr == "" {
		logger.Fatal("REDIS_ADDR is required, the worker consumes the conversion queue")
	}

	startupCtx, cancelStartup := context.WithTimeout(context.Background(), 15*time.Second)
	shutdownTracing, err := telemetry.SetupTracing(startupCtx, telemetry.TraceConfig{
		ServiceName:  "darkroom-worker",
		Exporter:     cfg.Trace.Exporter,
		OTLPEndpoint: cfg.Trace.OTLPEndpoint,
		OTLPInsecure: cfg.Trace.OTLPInsecure,
		SampleRatio:  cfg.Trace.SampleRatio,
	}, logger)
	cancelStartup()
	if err != nil {
		logger.Fatalf("tracing setup failed: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := shutdownTracing(ctx); err != nil {
			logger.Printf("tracing shutdown failed: %v", err)
		}
	}()

	storageClient, err := storage.NewClient(storage.Config{
		Endpoint:      cfg.Storage.Endpoint,
		Access:        cfg.Storage.AccessKey,
		Secret:        cfg.Storage.SecretKey,
		Bucket:        cfg.Storage.Bucket,
		UseSSL:        cfg.Storage.UseSSL,
		PublicBaseURL: cfg.Storage.PublicBaseURL,
	})
	if err != nil {
		logger.Fatalf("storage client setup failed: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := storageClient.EnsureBucket(ctx); err != nil {
		logger.Printf("ensure bucket failed, uploads may error: %v", err)
	}
	cancel()

	var jobStore store.JobStore
	if cfg.DB.DSN != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		pgStore, err := store.NewPostgresJobStore(ctx, cfg.DB.DSN)
		cancel()
		if err != nil {
			logger.Fatalf("job store setup failed: %v", err)
		}
		defer func() {
			if err := pgStore.Close(); err != nil {
				logger.Printf("job store close error: %v", err)
			}
		}()
		jobStore = pgStore
	} else {
		logger.Printf("no database configured, job state is in-memory and local to this process")
		jobStore = store.NewMemoryJobStore()
	}

	governor := codec.NewGovernor(cfg.Codec.MaxProcs, cfg.Codec.QueueDepth)
	runner := codec.NewRunner(cfg.Codec, governor, logger)
	fetcher := fetch.New(cfg.Fetch.Timeout, cfg.Fetch.MaxBytes)
	processor := pipeline.NewProcessor(fetcher, runner, logger)
	dispatcher := pipeline.NewDispatcher(storageClient, logger)

	webhookClient := webhook.NewClient(webhook.Config{
		SigningSecret:  cfg.Webhook.SigningSecret,
		Timeout:        10 * time.Second,
		MaxAttempts:    4,
		InitialBackoff: time.Second,
		MaxBackoff:     15 * time.Second,
	})

	srv, err := worker.NewServer(logger, cfg.Queue, cfg.Worker, processor, dispatcher, webhookClient, jobStore, nil)
	if err != nil {
		logger.Fatalf("worker setup failed: %v", err)
	}

	go func() {
		metricsAddr := os.Getenv("WORKER_METRICS_ADDR")
		if metricsAddr == "" {
			metricsAddr = ":9090"
		}
		mux := http.NewServeMux()
		mux.Handle("GET /metrics", srv.MetricsHandler())
		logger.Printf("worker metrics listening on %s", metricsAddr)
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			logger.Printf("metrics server failed: %v", err)
		}
	}()

	logger.Printf(
		"starting worker concurrency=%d queue=%s redis=%s codec_slots=%d",
		cfg.Worker.Concurrency,
		cfg.Queue.Name,
		cfg.Queue.RedisAddr,
		governor.Capacity(),
	)
	if err := srv.Run(); err != nil {
		logger.Fatalf("worker failed: %v", err)
	}
}
