package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/hibiken/asynq"
	"github.com/pixload/darkroom/internal/domain"
	"github.com/pixload/darkroom/internal/id"
	"github.com/pixload/darkroom/internal/pipeline"
	"github.com/pixload/darkroom/internal/queue"
	"github.com/pixload/darkroom/internal/store"
	"go.opentelemetry.io/otel/trace"
)

const (
	headerObjectKey   = "X-Darkroom-Object-Key"
	headerObjectURL   = "X-Darkroom-Object-Url"
	headerUploadError = "X-Darkroom-Upload-Error"

	// Memory ceiling for the multipart parser; bigger uploads spill to disk.
	multipartMemoryBytes = 16 << 20
)

type converter interface {
	Convert(ctx context.Context, desc domain.JobDescriptor) (pipeline.Result, error)
}

type deliverer interface {
	Dispatch(ctx context.Context, desc domain.JobDescriptor, result pipeline.Result) (pipeline.Delivery, error)
}

type queueEnqueuer interface {
	EnqueueConvert(ctx context.Context, payload queue.ConvertPayload) (*asynq.TaskInfo, error)
}

// slotStats exposes codec pool occupancy for gauges and load shedding
// visibility.
type slotStats interface {
	InUse() int
	Waiting() int
	Capacity() int
}

// Options carries the server's collaborators. Processor and Dispatcher are
// required; everything else degrades gracefully when absent (no queue means
// async endpoints answer 503, no limiter means no rate limiting).
type Options struct {
	Token                 string
	MaxUploadBytes        int64
	Processor             converter
	Dispatcher            deliverer
	Governor              slotStats
	Queue                 queueEnqueuer
	Jobs                  store.JobStore
	RateLimiter           RateLimiter
	RateLimitUserIDHeader string
	Tracer                trace.Tracer
}

type Server struct {
	logger                *log.Logger
	token                 string
	maxUploadBytes        int64
	processor             converter
	dispatcher            deliverer
	queueClient           queueEnqueuer
	jobStore              store.JobStore
	rateLimiter           RateLimiter
	rateLimitUserIDHeader string
	tracer                trace.Tracer
	metrics               *metrics
	mux                   *http.ServeMux
}

func NewServer(logger *log.Logger, opts Options) *Server {
	maxUpload := opts.MaxUploadBytes
	if maxUpload <= 0 {
		maxUpload = 50 << 20
	}
	userIDHeader := opts.RateLimitUserIDHeader
	if userIDHeader == "" {
		userIDHeader = "X-User-Id"
	}

	s := &Server{
		logger:                logger,
		token:                 opts.Token,
		maxUploadBytes:        maxUpload,
		processor:             opts.Processor,
		dispatcher:            opts.Dispatcher,
		queueClient:           opts.Queue,
		jobStore:              opts.Jobs,
		rateLimiter:           opts.RateLimiter,
		rateLimitUserIDHeader: userIDHeader,
		tracer:                opts.Tracer,
		metrics:               newMetrics(opts.Governor),
		mux:                   http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	var handler http.Handler = s.mux
	handler = s.withRateLimit(handler)
	handler = s.withTracing(handler)
	handler = s.metrics.withHTTPMetrics(handler)
	return handler
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /ping", s.handlePing)
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.HandleFunc("POST /convert", s.handleConvert)
	s.mux.HandleFunc("POST /v1/jobs", s.handleCreateJob)
	s.mux.HandleFunc("GET /v1/jobs/{id}", s.handleGetJob)
	s.mux.Handle("GET /metrics", s.metrics.metricsHandler())
}

func (s *Server) handlePing(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"engine": "imagemagick",
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleConvert(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	// The form has to be parsed before auth: the token is itself a
	// form field on this endpoint.
	params, source, err := s.parseConvertRequest(w, r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.authorize(r, r.FormValue("token")); err != nil {
		s.writeError(w, err)
		return
	}

	desc, err := params.Normalize(source)
	if err != nil {
		s.writeError(w, err)
		return
	}

	result, err := s.processor.Convert(r.Context(), desc)
	if err != nil {
		s.metrics.observeConversion(desc.Format, "error", time.Since(start))
		s.writeError(w, err)
		return
	}

	delivery, err := s.dispatcher.Dispatch(r.Context(), desc, result)
	if err != nil {
		s.metrics.observeConversion(desc.Format, "error", time.Since(start))
		s.writeError(w, err)
		return
	}

	s.metrics.observeConversion(desc.Format, "ok", time.Since(start))
	s.writeDelivery(w, delivery)
}

// parseConvertRequest accepts multipart form data (the upload path) and
// plain urlencoded forms (the src_url path). Exactly-one-source enforcement
// lives in Normalize; this only collects what arrived.
func (s *Server) parseConvertRequest(w http.ResponseWriter, r *http.Request) (domain.ConvertParams, domain.Source, error) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)

	var source domain.Source
	contentType := r.Header.Get("Content-Type")
	if strings.HasPrefix(contentType, "multipart/form-data") {
		if err := r.ParseMultipartForm(multipartMemoryBytes); err != nil {
			return domain.ConvertParams{}, domain.Source{}, fmt.Errorf("%w: parse multipart form: %v", domain.ErrInvalidInput, err)
		}
		file, _, err := r.FormFile("file")
		if err == nil {
			defer file.Close()
			data, readErr := io.ReadAll(file)
			if readErr != nil {
				return domain.ConvertParams{}, domain.Source{}, fmt.Errorf("%w: read upload: %v", domain.ErrInvalidInput, readErr)
			}
			source.Data = data
		} else if !errors.Is(err, http.ErrMissingFile) {
			return domain.ConvertParams{}, domain.Source{}, fmt.Errorf("%w: read upload: %v", domain.ErrInvalidInput, err)
		}
	} else if err := r.ParseForm(); err != nil {
		return domain.ConvertParams{}, domain.Source{}, fmt.Errorf("%w: parse form: %v", domain.ErrInvalidInput, err)
	}

	params := domain.ConvertParams{
		SrcURL:          r.FormValue("src_url"),
		Format:          r.FormValue("format"),
		Quality:         r.FormValue("q"),
		Size:            r.FormValue("size"),
		Square:          r.FormValue("square"),
		StripEXIF:       r.FormValue("strip_exif"),
		OverlayURL:      r.FormValue("overlay_url"),
		OverlayScale:    r.FormValue("overlay_scale"),
		OverlayOpacity:  r.FormValue("overlay_opacity"),
		OverlaySafeZone: r.FormValue("overlay_safe_zone"),
		UploadS3:        r.FormValue("upload_s3"),
		ReturnBinary:    r.FormValue("return_binary"),
		KeyName:         r.FormValue("key_name"),
		KeyPrefix:       r.FormValue("key_prefix"),
		AVIFSpeed:       r.FormValue("avif_speed"),
		AVIFDepth:       r.FormValue("avif_depth"),
		AVIFYUV:         r.FormValue("avif_yuv"),
	}
	source.URL = params.SrcURL
	return params, source, nil
}

func (s *Server) writeDelivery(w http.ResponseWriter, delivery pipeline.Delivery) {
	if delivery.ObjectKey != "" {
		w.Header().Set(headerObjectKey, delivery.ObjectKey)
	}
	if delivery.ObjectURL != "" {
		w.Header().Set(headerObjectURL, delivery.ObjectURL)
	}
	if delivery.UploadErr != nil {
		w.Header().Set(headerUploadError, delivery.UploadErr.Error())
	}

	if delivery.Body != nil {
		w.Header().Set("Content-Type", delivery.ContentType)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(delivery.Body)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ok":     true,
		"format": delivery.Format,
		"key":    delivery.ObjectKey,
		"url":    delivery.ObjectURL,
	})
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	if err := s.authorize(r, ""); err != nil {
		s.writeError(w, err)
		return
	}
	if s.queueClient == nil || s.jobStore == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "async conversion is not configured"})
		return
	}

	var req domain.CreateJobRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := req.Validate(); err != nil {
		s.writeError(w, err)
		return
	}

	now := time.Now().UTC()
	job := domain.Job{
		ID:         id.New(),
		Status:     domain.JobStatusCreated,
		Params:     req.Params,
		WebhookURL: req.WebhookURL,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := s.jobStore.Create(r.Context(), job); err != nil {
		s.logger.Printf("create job failed for job %s: %v", job.ID, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to create job"})
		return
	}

	payload := queue.ConvertPayload{
		JobID:       job.ID,
		Params:      job.Params,
		WebhookURL:  job.WebhookURL,
		RequestedAt: now,
	}
	taskInfo, err := s.queueClient.EnqueueConvert(r.Context(), payload)
	if err != nil {
		s.logger.Printf("enqueue failed for job %s: %v", job.ID, err)
		if _, uerr := s.jobStore.SetResult(r.Context(), job.ID, domain.JobStatusFailed, "", "", "enqueue failed"); uerr != nil {
			s.logger.Printf("mark job failed for job %s: %v", job.ID, uerr)
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to enqueue job"})
		return
	}

	if _, err := s.jobStore.UpdateStatus(r.Context(), job.ID, domain.JobStatusQueued); err != nil {
		s.logger.Printf("update status failed for job %s: %v", job.ID, err)
	}
	s.metrics.queueEnqueued.WithLabelValues(taskInfo.Queue).Inc()

	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id":     job.ID,
		"status":     domain.JobStatusQueued,
		"status_url": fmt.Sprintf("/v1/jobs/%s", job.ID),
	})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	if err := s.authorize(r, ""); err != nil {
		s.writeError(w, err)
		return
	}
	if s.jobStore == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "async conversion is not configured"})
		return
	}

	jobID := r.PathValue("id")
	job, ok, err := s.jobStore.Get(r.Context(), jobID)
	if err != nil {
		s.logger.Printf("fetch job failed for job %s: %v", jobID, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to load job"})
		return
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "job not found"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"job_id":     job.ID,
		"status":     job.Status,
		"object_key": job.ObjectKey,
		"object_url": job.ObjectURL,
		"error":      job.Error,
		"created_at": job.CreatedAt,
		"updated_at": job.UpdatedAt,
	})
}

// authorize checks the shared token. It may arrive as a bearer header, the
// X-Darkroom-Token header, a query parameter, or a form field on the
// conversion endpoint (callers there pass the parsed value in formToken).
func (s *Server) authorize(r *http.Request, formToken string) error {
	if s.token == "" {
		return nil
	}

	presented := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer"))
	if presented == "" {
		presented = strings.TrimSpace(r.Header.Get("X-Darkroom-Token"))
	}
	if presented == "" {
		presented = strings.TrimSpace(r.URL.Query().Get("token"))
	}
	if presented == "" {
		presented = strings.TrimSpace(formToken)
	}

	if subtle.ConstantTimeCompare([]byte(presented), []byte(s.token)) != 1 {
		return fmt.Errorf("%w: invalid or missing token", domain.ErrUnauthorized)
	}
	return nil
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusForError(err)
	if status == http.StatusTooManyRequests {
		w.Header().Set("Retry-After", "1")
	}
	if status >= 500 {
		s.logger.Printf("request failed status=%d err=%v", status, err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrFetchFailed), errors.Is(err, domain.ErrOverlayFetch):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrOverloaded):
		return http.StatusTooManyRequests
	case errors.Is(err, domain.ErrUploadFailed):
		return http.StatusBadGateway
	case errors.Is(err, domain.ErrCodecTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSON(r *http.Request, into any) error {
	const maxBodyBytes = 1 << 20
	limited := io.LimitReader(r.Body, maxBodyBytes)
	decoder := json.NewDecoder(limited)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(into); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return errors.New("invalid JSON body: multiple JSON values are not allowed")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
