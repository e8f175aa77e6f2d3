package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/pixload/darkroom/internal/domain"
	"github.com/pixload/darkroom/internal/pipeline"
	"github.com/pixload/darkroom/internal/queue"
	"github.com/pixload/darkroom/internal/store"
)

type fakeConverter struct {
	result pipeline.Result
	err    error
	got    domain.JobDescriptor
}

func (f *fakeConverter) Convert(_ context.Context, desc domain.JobDescriptor) (pipeline.Result, error) {
	f.got = desc
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

type fakeEnqueuer struct {
	payloads []queue.ConvertPayload
	err      error
}

func (f *fakeEnqueuer) EnqueueConvert(_ context.Context, payload queue.ConvertPayload) (*asynq.TaskInfo, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.payloads = append(f.payloads, payload)
	return &asynq.TaskInfo{ID: "task-1", Queue: "convert"}, nil
}

func newTestServer(t *testing.T, opts Options) *Server {
	t.Helper()
	if opts.Processor == nil {
		opts.Processor = &fakeConverter{}
	}
	if opts.Dispatcher == nil {
		opts.Dispatcher = &fakeDeliverer{}
	}
	logger := log.New(io.Discard, "", 0)
	return NewServer(logger, opts)
}

func postForm(t *testing.T, handler http.Handler, token string, fields map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	values := url.Values{}
	for k, v := range fields {
		values.Set(k, v)
	}
	req := httptest.NewRequest(http.MethodPost, "/convert", strings.NewReader(values.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestPing(t *testing.T) {
	srv := newTestServer(t, Options{})
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode ping body: %v", err)
	}
	if body["engine"] != "imagemagick" {
		t.Fatalf("expected imagemagick engine banner, got %q", body["engine"])
	}
}

func TestConvertRequiresToken(t *testing.T) {
	srv := newTestServer(t, Options{Token: "secret"})

	rec := postForm(t, srv.Handler(), "", map[string]string{"src_url": "https://img.example.com/a.png"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}

	rec = postForm(t, srv.Handler(), "wrong", map[string]string{"src_url": "https://img.example.com/a.png"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with bad token, got %d", rec.Code)
	}
}

func TestConvertAcceptsFormToken(t *testing.T) {
	conv := &fakeConverter{result: pipeline.Result{Data: []byte("x"), Format: domain.FormatJPG}}
	disp := &fakeDeliverer{delivery: pipeline.Delivery{Body: []byte("x"), ContentType: "image/jpeg", Format: domain.FormatJPG}}
	srv := newTestServer(t, Options{Token: "secret", Processor: conv, Dispatcher: disp})

	rec := postForm(t, srv.Handler(), "", map[string]string{
		"token":         "secret",
		"src_url":       "https://img.example.com/a.png",
		"return_binary": "true",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with form token, got %d body=%s", rec.Code, rec.Body.String())
	}

	rec = postForm(t, srv.Handler(), "", map[string]string{
		"token":         "wrong",
		"src_url":       "https://img.example.com/a.png",
		"return_binary": "true",
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with bad form token, got %d", rec.Code)
	}
}

func TestConvertRejectsUnknownFormat(t *testing.T) {
	srv := newTestServer(t, Options{Token: "secret"})

	rec := postForm(t, srv.Handler(), "secret", map[string]string{
		"src_url": "https://img.example.com/a.png",
		"format":  "tiff",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown format, got %d", rec.Code)
	}
}

func TestConvertRejectsMissingSource(t *testing.T) {
	srv := newTestServer(t, Options{Token: "secret"})

	rec := postForm(t, srv.Handler(), "secret", map[string]string{"format": "webp"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without a source, got %d", rec.Code)
	}
}

func TestConvertReturnsBinaryWithUploadHeaders(t *testing.T) {
	conv := &fakeConverter{result: pipeline.Result{Data: []byte("encoded"), Format: domain.FormatWebP}}
	disp := &fakeDeliverer{delivery: pipeline.Delivery{
		Body:        []byte("encoded"),
		ContentType: "image/webp",
		Format:      domain.FormatWebP,
		ObjectKey:   "abc_1200_def.webp",
		ObjectURL:   "https://cdn.pixload.events/abc_1200_def.webp",
	}}
	srv := newTestServer(t, Options{Token: "secret", Processor: conv, Dispatcher: disp})

	rec := postForm(t, srv.Handler(), "secret", map[string]string{
		"src_url":   "https://img.example.com/a.png",
		"format":    "webp",
		"size":      "1200",
		"upload_s3": "true",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("Content-Type"); got != "image/webp" {
		t.Fatalf("expected image/webp, got %q", got)
	}
	if got := rec.Header().Get(headerObjectKey); got != "abc_1200_def.webp" {
		t.Fatalf("expected object key header, got %q", got)
	}
	if !bytes.Equal(rec.Body.Bytes(), []byte("encoded")) {
		t.Fatalf("expected encoded body, got %q", rec.Body.String())
	}
	if conv.got.Format != domain.FormatWebP {
		t.Fatalf("expected descriptor format webp, got %q", conv.got.Format)
	}
}

func TestConvertHybridUploadFailureStillStreams(t *testing.T) {
	disp := &fakeDeliverer{delivery: pipeline.Delivery{
		Body:        []byte("encoded"),
		ContentType: "image/jpeg",
		Format:      domain.FormatJPG,
		UploadErr:   fmt.Errorf("%w: bucket gone", domain.ErrUploadFailed),
	}}
	srv := newTestServer(t, Options{Token: "secret", Dispatcher: disp})

	rec := postForm(t, srv.Handler(), "secret", map[string]string{
		"src_url":   "https://img.example.com/a.png",
		"upload_s3": "true",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 despite upload failure, got %d", rec.Code)
	}
	if rec.Header().Get(headerUploadError) == "" {
		t.Fatal("expected upload error header")
	}
}

func TestConvertErrorStatusMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"fetch", domain.ErrFetchFailed, http.StatusUnprocessableEntity},
		{"overloaded", domain.ErrOverloaded, http.StatusTooManyRequests},
		{"codec", domain.ErrCodecFailure, http.StatusInternalServerError},
		{"timeout", domain.ErrCodecTimeout, http.StatusGatewayTimeout},
		{"upload", domain.ErrUploadFailed, http.StatusBadGateway},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			conv := &fakeConverter{err: fmt.Errorf("boom: %w", tc.err)}
			srv := newTestServer(t, Options{Token: "secret", Processor: conv})

			rec := postForm(t, srv.Handler(), "secret", map[string]string{
				"src_url":       "https://img.example.com/a.png",
				"return_binary": "true",
			})
			if rec.Code != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, rec.Code)
			}
			if tc.want == http.StatusTooManyRequests && rec.Header().Get("Retry-After") == "" {
				t.Fatal("expected Retry-After on overload")
			}
		})
	}
}

func TestConvertMultipartUpload(t *testing.T) {
	conv := &fakeConverter{result: pipeline.Result{Data: []byte("x"), Format: domain.FormatJPG}}
	disp := &fakeDeliverer{delivery: pipeline.Delivery{Body: []byte("x"), ContentType: "image/jpeg", Format: domain.FormatJPG}}
	srv := newTestServer(t, Options{Token: "secret", Processor: conv, Dispatcher: disp})

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "photo.png")
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := part.Write([]byte("fake image bytes")); err != nil {
		t.Fatalf("write form file: %v", err)
	}
	if err := mw.WriteField("format", "jpg"); err != nil {
		t.Fatalf("write field: %v", err)
	}
	if err := mw.WriteField("return_binary", "true"); err != nil {
		t.Fatalf("write field: %v", err)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart writer: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/convert", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer secret")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rec.Code, rec.Body.String())
	}
	if len(conv.got.Source.Data) == 0 {
		t.Fatal("expected uploaded bytes in descriptor source")
	}
}

func TestCreateJobEnqueues(t *testing.T) {
	enq := &fakeEnqueuer{}
	jobs := store.NewMemoryJobStore()
	srv := newTestServer(t, Options{Token: "secret", Queue: enq, Jobs: jobs})

	body := `{"params":{"src_url":"https://img.example.com/a.png","format":"webp","upload_s3":"true"},"webhook_url":"https://hooks.example.com/done"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/jobs", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer secret")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d body=%s", rec.Code, rec.Body.String())
	}
	if len(enq.payloads) != 1 {
		t.Fatalf("expected one enqueued payload, got %d", len(enq.payloads))
	}

	var resp map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	jobID, _ := resp["job_id"].(string)
	if jobID == "" {
		t.Fatal("expected job_id in response")
	}

	job, ok, err := jobs.Get(context.Background(), jobID)
	if err != nil || !ok {
		t.Fatalf("expected stored job, ok=%v err=%v", ok, err)
	}
	if job.Status != domain.JobStatusQueued {
		t.Fatalf("expected queued status, got %q", job.Status)
	}
}

func TestCreateJobRejectsBinaryReturn(t *testing.T) {
	srv := newTestServer(t, Options{Token: "secret", Queue: &fakeEnqueuer{}, Jobs: store.NewMemoryJobStore()})

	body := `{"params":{"src_url":"https://img.example.com/a.png","upload_s3":"true","return_binary":"true"}}`
	req := httptest.NewRequest(http.MethodPost, "/v1/jobs", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer secret")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d body=%s", rec.Code, rec.Body.String())
	}
}

func TestGetJobNotFound(t *testing.T) {
	srv := newTestServer(t, Options{Token: "secret", Queue: &fakeEnqueuer{}, Jobs: store.NewMemoryJobStore()})

	req := httptest.NewRequest(http.MethodGet, "/v1/jobs/missing", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestRouteLabelCollapsesUnknownPaths(t *testing.T) {
	for _, path := range []string{"/", "/favicon.ico", "/admin/../etc/passwd"} {
		if got := routeLabel(path); got != "other" {
			t.Fatalf("expected unknown path %q to collapse to other, got %q", path, got)
		}
	}
	if got := routeLabel("/v1/jobs/abc123"); got != "/v1/jobs/{id}" {
		t.Fatalf("expected job route label, got %q", got)
	}
}

func TestStatusForErrorDefaultsToInternal(t *testing.T) {
	if got := statusForError(errors.New("mystery")); got != http.StatusInternalServerError {
		t.Fatalf("expected 500 for unclassified error, got %d", got)
	}
}
