package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/pixload/darkroom/internal/domain"
	"github.com/pixload/darkroom/internal/pipeline"
	"github.com/pixload/darkroom/internal/queue"
	"github.com/pixload/darkroom/internal/store"
	"github.com/pixload/darkroom/internal/webhook"
	"go.opentelemetry.io/otel"
)

type fakeConverter struct {
	result pipeline.Result
	err    error
}

func (f *fakeConverter) Convert(_ context.Context, _ domain.JobDescriptor) (pipeline.Result, error) {
	if f.err != nil {
		return pipeline.Result{}, f.err
	}
	return f.result, nil
}

type fakeDeliverer struct {
	delivery pipeline.Delivery
	err      error
}

func (f *fakeDeliverer) Dispatch(_ context.Context, _ domain.JobDescriptor, _ pipeline.Result) (pipeline.Delivery, error) {
	if f.err != nil {
		return pipeline.Delivery{}, f.err
	}
	return f.delivery, nil
}

type captureWebhook struct {
	events []string
	bodies []any
}

func (c *captureWebhook) Send(_ context.Context, _ string, event string, payload any) error {
	c.events = append(c.events, event)
	c.bodies = append(c.bodies, payload)
	return nil
}

func newTestWorker(jobStore *store.MemoryJobStore, conv converter, disp deliverer, hook webhookSender) *Server {
	return &Server{
		logger:        log.New(io.Discard, "", 0),
		processor:     conv,
		dispatcher:    disp,
		webhookClient: hook,
		jobStore:      jobStore,
		usageStore:    jobStore,
		metrics:       newMetrics(),
		tracer:        otel.Tracer("darkroom/worker-test"),
	}
}

func seedJob(t *testing.T, jobStore *store.MemoryJobStore, id string) queue.ConvertPayload {
	t.Helper()
	params := domain.ConvertParams{
		SrcURL:   "https://img.example.com/a.png",
		Format:   "webp",
		UploadS3: "true",
	}
	now := time.Now().UTC()
	if err := jobStore.Create(context.Background(), domain.Job{
		ID:        id,
		Status:    domain.JobStatusQueued,
		Params:    params,
		CreatedAt: now,
		UpdatedAt: now,
	}); err != nil {
		t.Fatalf("seed job: %v", err)
	}
	return queue.ConvertPayload{JobID: id, Params: params, WebhookURL: "https://hooks.example.com/done", RequestedAt: now}
}

func mustTask(t *testing.T, payload queue.ConvertPayload) *asynq.Task {
	t.Helper()
	task, err := queue.NewConvertTask(payload)
	if err != nil {
		t.Fatalf("build task: %v", err)
	}
	return task
}

func TestHandleConvertImageSuccess(t *testing.T) {
	jobStore := store.NewMemoryJobStore()
	payload := seedJob(t, jobStore, "job-1")

	conv := &fakeConverter{result: pipeline.Result{Data: []byte("out"), Format: domain.FormatWebP, SourceBytes: 2048}}
	disp := &fakeDeliverer{delivery: pipeline.Delivery{
		Format:    domain.FormatWebP,
		ObjectKey: "aa_orig_bb.webp",
		ObjectURL: "https://cdn.pixload.events/aa_orig_bb.webp",
	}}
	hook := &captureWebhook{}
	s := newTestWorker(jobStore, conv, disp, hook)

	if err := s.handleConvertImage(context.Background(), mustTask(t, payload)); err != nil {
		t.Fatalf("handle returned error: %v", err)
	}

	job, ok, _ := jobStore.Get(context.Background(), "job-1")
	if !ok {
		t.Fatal("job disappeared")
	}
	if job.Status != domain.JobStatusSucceeded {
		t.Fatalf("expected succeeded, got %q", job.Status)
	}
	if job.ObjectURL != "https://cdn.pixload.events/aa_orig_bb.webp" {
		t.Fatalf("unexpected object url %q", job.ObjectURL)
	}
	if len(hook.events) != 1 || hook.events[0] != webhook.EventJobCompleted {
		t.Fatalf("expected one job.completed event, got %v", hook.events)
	}
}

func TestHandleConvertImageTransientFailureRetries(t *testing.T) {
	jobStore := store.NewMemoryJobStore()
	payload := seedJob(t, jobStore, "job-2")

	conv := &fakeConverter{err: fmt.Errorf("fetch source: %w", domain.ErrFetchFailed)}
	hook := &captureWebhook{}
	s := newTestWorker(jobStore, conv, &fakeDeliverer{}, hook)

	err := s.handleConvertImage(context.Background(), mustTask(t, payload))
	if err == nil {
		t.Fatal("expected error")
	}
	if errors.Is(err, asynq.SkipRetry) {
		t.Fatal("transient failures should stay retryable")
	}

	job, _, _ := jobStore.Get(context.Background(), "job-2")
	if job.Status != domain.JobStatusFailed {
		t.Fatalf("expected failed status, got %q", job.Status)
	}
	if len(hook.events) != 1 || hook.events[0] != webhook.EventJobFailed {
		t.Fatalf("expected one job.failed event, got %v", hook.events)
	}
}

func TestHandleConvertImageInvalidInputSkipsRetry(t *testing.T) {
	jobStore := store.NewMemoryJobStore()
	payload := seedJob(t, jobStore, "job-3")
	payload.Params.Format = "gif"

	s := newTestWorker(jobStore, &fakeConverter{}, &fakeDeliverer{}, nil)

	err := s.handleConvertImage(context.Background(), mustTask(t, payload))
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected SkipRetry for caller mistakes, got %v", err)
	}
}

func TestRecordUsageWritesUsageLog(t *testing.T) {
	jobStore := store.NewMemoryJobStore()
	usageStore := &captureUsageStore{}
	s := &Server{
		logger:     log.New(io.Discard, "", 0),
		jobStore:   jobStore,
		usageStore: usageStore,
		metrics:    newMetrics(),
	}

	s.recordUsage(context.Background(), "job-4", pipeline.Result{
		Data:        make([]byte, 300),
		Format:      domain.FormatJPG,
		SourceBytes: 1_000,
	}, 250*time.Millisecond)

	if !usageStore.called {
		t.Fatal("expected usage log to be written")
	}
	if usageStore.log.SourceBytes != 1_000 {
		t.Fatalf("expected source_bytes=1000, got %d", usageStore.log.SourceBytes)
	}
	if usageStore.log.OutputBytes != 300 {
		t.Fatalf("expected output_bytes=300, got %d", usageStore.log.OutputBytes)
	}
	if usageStore.log.ComputeTimeMS != 250 {
		t.Fatalf("expected compute_time_ms=250, got %d", usageStore.log.ComputeTimeMS)
	}
}

func TestRecordUsageFloorsComputeTime(t *testing.T) {
	usageStore := &captureUsageStore{}
	s := &Server{
		logger:     log.New(io.Discard, "", 0),
		usageStore: usageStore,
		metrics:    newMetrics(),
	}

	s.recordUsage(context.Background(), "job-5", pipeline.Result{Data: []byte("x")}, 0)

	if usageStore.log.ComputeTimeMS < 1 {
		t.Fatalf("expected compute_time_ms to be at least 1, got %d", usageStore.log.ComputeTimeMS)
	}
}

type captureUsageStore struct {
	called bool
	log    domain.UsageLog
}

func (s *captureUsageStore) CreateUsageLog(_ context.Context, usage domain.UsageLog) error {
	s.called = true
	s.log = usage
	return nil
}
