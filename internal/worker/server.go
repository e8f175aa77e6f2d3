package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/hibiken/asynq"
	"github.com/pixload/darkroom/internal/config"
	"github.com/pixload/darkroom/internal/domain"
	"github.com/pixload/darkroom/internal/pipeline"
	"github.com/pixload/darkroom/internal/queue"
	"github.com/pixload/darkroom/internal/store"
	"github.com/pixload/darkroom/internal/webhook"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type converter interface {
	Convert(ctx context.Context, desc domain.JobDescriptor) (pipeline.Result, error)
}

type deliverer interface {
	Dispatch(ctx context.Context, desc domain.JobDescriptor, result pipeline.Result) (pipeline.Delivery, error)
}

type webhookSender interface {
	Send(ctx context.Context, endpoint, event string, payload any) error
}

type Server struct {
	logger        *log.Logger
	server        *asynq.Server
	processor     converter
	dispatcher    deliverer
	webhookClient webhookSender
	jobStore      store.JobStore
	usageStore    store.UsageStore
	metrics       *metrics
	tracer        trace.Tracer
}

func NewServer(
	logger *log.Logger,
	queueCfg config.QueueConfig,
	workerCfg config.WorkerConfig,
	processor *pipeline.Processor,
	dispatcher *pipeline.Dispatcher,
	webhookClient *webhook.Client,
	jobStore store.JobStore,
	usageStore store.UsageStore,
) (*Server, error) {
	if processor == nil || dispatcher == nil {
		return nil, fmt.Errorf("processor and dispatcher are required")
	}
	if jobStore == nil {
		return nil, fmt.Errorf("job store is required")
	}

	if usageStore == nil {
		if jobAndUsageStore, ok := jobStore.(store.UsageStore); ok {
			usageStore = jobAndUsageStore
		}
	}

	concurrency := workerCfg.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}

	s := &Server{
		logger: logger,
		server: asynq.NewServer(
			queueCfg.RedisClientOpt(),
			asynq.Config{
				Concurrency: concurrency,
				Queues: map[string]int{
					queueCfg.Name: 1,
				},
				LogLevel: asynq.InfoLevel,
				ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
					retried, _ := asynq.GetRetryCount(ctx)
					maxRetry, _ := asynq.GetMaxRetry(ctx)
					logger.Printf("task failed type=%s retry=%d/%d err=%v", task.Type(), retried, maxRetry, err)
				}),
			},
		),
		processor:     processor,
		dispatcher:    dispatcher,
		webhookClient: webhookClient,
		jobStore:      jobStore,
		usageStore:    usageStore,
		metrics:       newMetrics(),
		tracer:        otel.Tracer("darkroom/worker"),
	}
	return s, nil
}

func (s *Server) Run() error {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.TypeConvertImage, s.handleConvertImage)
	return s.server.Run(mux)
}

func (s *Server) MetricsHandler() http.Handler {
	return s.metrics.Handler()
}

func (s *Server) handleConvertImage(ctx context.Context, task *asynq.Task) error {
	startedAt := time.Now()

	payload, err := queue.ParseConvertPayload(task)
	if err != nil {
		return fmt.Errorf("parse payload: %v: %w", err, asynq.SkipRetry)
	}

	ctx, span := s.tracer.Start(ctx, "worker.convert_image", trace.WithSpanKind(trace.SpanKindConsumer))
	span.SetAttributes(
		attribute.String("job.id", payload.JobID),
		attribute.String("job.src_url", payload.Params.SrcURL),
		attribute.String("job.format", payload.Params.Format),
	)
	defer span.End()

	s.metrics.activeJobs.Inc()
	defer s.metrics.activeJobs.Dec()

	s.logger.Printf("Working... job_id=%s src_url=%s format=%s", payload.JobID, payload.Params.SrcURL, payload.Params.Format)
	s.updateJobStatus(ctx, payload.JobID, domain.JobStatusProcessing)

	delivery, result, err := s.convert(ctx, payload)
	format := payload.Params.Format
	if format == "" {
		format = domain.FormatJPG
	}
	if err != nil {
		s.metrics.observeJob(format, domain.JobStatusFailed, time.Since(startedAt))
		span.RecordError(err)
		span.SetStatus(codes.Error, "conversion failed")
		return s.failJob(ctx, payload, err)
	}

	s.metrics.observeJob(result.Format, domain.JobStatusSucceeded, time.Since(startedAt))
	s.logger.Printf("Converted job_id=%s format=%s key=%s", payload.JobID, result.Format, delivery.ObjectKey)

	if _, err := s.jobStore.SetResult(ctx, payload.JobID, domain.JobStatusSucceeded, delivery.ObjectKey, delivery.ObjectURL, ""); err != nil {
		s.logger.Printf("job result update failed job_id=%s err=%v", payload.JobID, err)
	}
	s.recordUsage(ctx, payload.JobID, result, time.Since(startedAt))

	if err := s.dispatchWebhook(ctx, payload, webhook.EventJobCompleted, webhook.JobEvent{
		JobID:      payload.JobID,
		Status:     domain.JobStatusSucceeded,
		Format:     result.Format,
		ObjectKey:  delivery.ObjectKey,
		ObjectURL:  delivery.ObjectURL,
		FinishedAt: time.Now().UTC(),
	}); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "webhook dispatch failed")
		return err
	}

	span.SetStatus(codes.Ok, "converted")
	return nil
}

func (s *Server) convert(ctx context.Context, payload queue.ConvertPayload) (pipeline.Delivery, pipeline.Result, error) {
	desc, err := payload.Params.Normalize(domain.Source{URL: payload.Params.SrcURL})
	if err != nil {
		return pipeline.Delivery{}, pipeline.Result{}, err
	}

	result, err := s.processor.Convert(ctx, desc)
	if err != nil {
		return pipeline.Delivery{}, pipeline.Result{}, err
	}

	delivery, err := s.dispatcher.Dispatch(ctx, desc, result)
	if err != nil {
		return pipeline.Delivery{}, pipeline.Result{}, err
	}
	return delivery, result, nil
}

// failJob records the failure and decides whether asynq should retry.
// Caller mistakes are final; transient infrastructure faults go back on the
// queue.
func (s *Server) failJob(ctx context.Context, payload queue.ConvertPayload, cause error) error {
	if _, err := s.jobStore.SetResult(ctx, payload.JobID, domain.JobStatusFailed, "", "", cause.Error()); err != nil {
		s.logger.Printf("job result update failed job_id=%s err=%v", payload.JobID, err)
	}

	if err := s.dispatchWebhook(ctx, payload, webhook.EventJobFailed, webhook.JobEvent{
		JobID:      payload.JobID,
		Status:     domain.JobStatusFailed,
		Error:      cause.Error(),
		FinishedAt: time.Now().UTC(),
	}); err != nil {
		s.logger.Printf("failure webhook dispatch failed job_id=%s err=%v", payload.JobID, err)
	}

	if errors.Is(cause, domain.ErrInvalidInput) || errors.Is(cause, domain.ErrUnauthorized) {
		return fmt.Errorf("convert job %s: %v: %w", payload.JobID, cause, asynq.SkipRetry)
	}
	return fmt.Errorf("convert job %s: %w", payload.JobID, cause)
}

func (s *Server) updateJobStatus(ctx context.Context, jobID, status string) {
	if _, err := s.jobStore.UpdateStatus(ctx, jobID, status); err != nil {
		s.logger.Printf("job status update failed job_id=%s status=%s err=%v", jobID, status, err)
	}
}

func (s *Server) dispatchWebhook(ctx context.Context, payload queue.ConvertPayload, event string, body webhook.JobEvent) error {
	if payload.WebhookURL == "" || s.webhookClient == nil {
		return nil
	}

	if err := s.webhookClient.Send(ctx, payload.WebhookURL, event, body); err != nil {
		s.logger.Printf("webhook delivery failed job_id=%s event=%s err=%v", payload.JobID, event, err)
		return fmt.Errorf("dispatch webhook: %w", err)
	}
	return nil
}

func (s *Server) recordUsage(ctx context.Context, jobID string, result pipeline.Result, computeDuration time.Duration) {
	if s.usageStore == nil {
		return
	}

	computeTimeMS := computeDuration.Milliseconds()
	if computeTimeMS < 1 {
		computeTimeMS = 1
	}

	usage := domain.UsageLog{
		JobID:         jobID,
		SourceBytes:   int64(result.SourceBytes),
		OutputBytes:   int64(len(result.Data)),
		ComputeTimeMS: computeTimeMS,
		CreatedAt:     time.Now().UTC(),
	}
	if err := s.usageStore.CreateUsageLog(ctx, usage); err != nil {
		s.logger.Printf("usage log write failed job_id=%s err=%v", jobID, err)
		return
	}

	s.metrics.sourceBytesTotal.Add(float64(usage.SourceBytes))
	s.metrics.outputBytesTotal.Add(float64(usage.OutputBytes))
	s.metrics.computeTimeMSTotal.Add(float64(usage.ComputeTimeMS))
}
