package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pixload/darkroom/internal/api"
	"github.com/pixload/darkroom/internal/codec"
	"github.com/pixload/darkroom/internal/config"
	"github.com/pixload/darkroom/internal/fetch"
	"github.com/pixload/darkroom/internal/pipeline"
	"github.com/pixload/darkroom/internal/queue"
	"github.com/pixload/darkroom/internal/ratelimit"
	"github.com/pixload/darkroom/internal/storage"
	"github.com/pixload/darkroom/internal/store"
	"github.com/pixload/darkroom/internal/telemetry"
	"go.opentelemetry.io/otel"

	"github.com/redis/go-redis/v9"
)

func main() {
	cfg := config.Load()
	logger := log.New(os.Stdout, "[api] ", log.LstdFlags|log.Lmsgprefix)

	shutdownCtx, cancelStartup := context.WithTimeout(context.Background(), 15*time.Second)
	shutdownTracing, err := telemetry.SetupTracing(shutdownCtx, telemetry.TraceConfig{
		ServiceName:  "darkroom-api",
		Exporter:     cfg.Trace.Exporter,
		OTLPEndpoint: cfg.Trace.OTLPEndpoint,
		OTLPInsecure: cfg.Trace.OTLPInsecure,
		SampleRatio:  cfg.Trace.SampleRatio,
	}, logger)
	cancelStartup()
	if err != nil {
		logger.Fatalf("tracing setup failed: %v", err)
	}

	var uploader pipeline.Uploader
	if cfg.Storage.Endpoint != "" {
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
		uploader = storageClient
	} else {
		logger.Printf("no storage endpoint configured, upload_s3 requests will fail")
	}

	governor := codec.NewGovernor(cfg.Codec.MaxProcs, cfg.Codec.QueueDepth)
	runner := codec.NewRunner(cfg.Codec, governor, logger)
	fetcher := fetch.New(cfg.Fetch.Timeout, cfg.Fetch.MaxBytes)
	processor := pipeline.NewProcessor(fetcher, runner, logger)
	dispatcher := pipeline.NewDispatcher(uploader, logger)

	opts := api.Options{
		Token:          cfg.Auth.Token,
		MaxUploadBytes: cfg.Fetch.MaxBytes,
		Processor:      processor,
		Dispatcher:     dispatcher,
		Governor:       governor,
		Tracer:         otel.Tracer("darkroom/api"),
	}

	if cfg.Queue.RedisAddr != "" {
		queueClient := queue.NewClient(cfg.Queue.RedisClientOpt(), cfg.Queue.Name)
		defer func() {
			if err := queueClient.Close(); err != nil {
				logger.Printf("queue client close error: %v", err)
			}
		}()
		opts.Queue = queueClient

		if cfg.API.RateLimitRequests > 0 {
			redisClient := redis.NewClient(&redis.Options{
				Addr:     cfg.Queue.RedisAddr,
				Password: cfg.Queue.RedisPassword,
				DB:       cfg.Queue.RedisDB,
			})
			limiter, err := ratelimit.NewRedisTokenBucket(redisClient, cfg.API.RateLimitRequests, cfg.API.RateLimitWindow, "darkroom:ratelimit")
			if err != nil {
				logger.Fatalf("rate limiter setup failed: %v", err)
			}
			opts.RateLimiter = limiter
		}
	}

	if cfg.DB.DSN != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		jobStore, err := store.NewPostgresJobStore(ctx, cfg.DB.DSN)
		cancel()
		if err != nil {
			logger.Fatalf("job store setup failed: %v", err)
		}
		defer func() {
			if err := jobStore.Close(); err != nil {
				logger.Printf("job store close error: %v", err)
			}
		}()
		opts.Jobs = jobStore
	} else if opts.Queue != nil {
		opts.Jobs = store.NewMemoryJobStore()
	}

	app := api.NewServer(logger, opts)

	httpServer := &http.Server{
		Addr:         cfg.API.Addr,
		Handler:      app.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.Codec.Timeout + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Printf("listening on %s codec_slots=%d queue_depth=%d", cfg.API.Addr, governor.Capacity(), cfg.Codec.QueueDepth)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("server failed: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	logger.Println("shutting down")
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Printf("graceful shutdown failed: %v", err)
	}
	if err := shutdownTracing(ctx); err != nil {
		logger.Printf("tracing shutdown failed: %v", err)
	}
}
