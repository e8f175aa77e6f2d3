package pipeline

import (
	"context"
	"errors"
	"io"
	"log"
	"strings"
	"testing"

	"github.com/pixload/darkroom/internal/domain"
)

type fakeUploader struct {
	err     error
	lastKey string
}

func (u *fakeUploader) Upload(_ context.Context, key string, _ []byte, _ string) (string, error) {
	u.lastKey = key
	if u.err != nil {
		return "", u.err
	}
	return "https://cdn.example.com/" + key, nil
}

func testLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func TestDispatchHybridCarriesBothOutputs(t *testing.T) {
	uploader := &fakeUploader{}
	d := NewDispatcher(uploader, testLogger())

	desc := domain.JobDescriptor{
		Format: domain.FormatJPG,
		Output: domain.OutputMode{UploadToStorage: true, ReturnBinary: true},
	}
	delivery, err := d.Dispatch(context.Background(), desc, Result{
		Data:   []byte("encoded"),
		Format: domain.FormatJPG,
		Source: []byte("source"),
	})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	if len(delivery.Body) == 0 {
		t.Fatal("expected binary body in hybrid mode")
	}
	if delivery.ObjectURL == "" {
		t.Fatal("expected object URL in hybrid mode")
	}
	if delivery.ContentType != "image/jpeg" {
		t.Fatalf("expected image/jpeg, got %s", delivery.ContentType)
	}
}

func TestDispatchHybridSurvivesUploadFailure(t *testing.T) {
	uploader := &fakeUploader{err: errors.New("bucket unreachable")}
	d := NewDispatcher(uploader, testLogger())

	desc := domain.JobDescriptor{
		Format: domain.FormatJPG,
		Output: domain.OutputMode{UploadToStorage: true, ReturnBinary: true},
	}
	delivery, err := d.Dispatch(context.Background(), desc, Result{
		Data:   []byte("encoded"),
		Format: domain.FormatJPG,
		Source: []byte("source"),
	})
	if err != nil {
		t.Fatalf("hybrid dispatch must not fail on upload error, got %v", err)
	}
	if len(delivery.Body) == 0 {
		t.Fatal("expected binary body despite upload failure")
	}
	if !errors.Is(delivery.UploadErr, domain.ErrUploadFailed) {
		t.Fatalf("expected flagged upload failure, got %v", delivery.UploadErr)
	}
}

func TestDispatchUploadOnlyFailsOnUploadError(t *testing.T) {
	uploader := &fakeUploader{err: errors.New("bucket unreachable")}
	d := NewDispatcher(uploader, testLogger())

	desc := domain.JobDescriptor{
		Format: domain.FormatJPG,
		Output: domain.OutputMode{UploadToStorage: true},
	}
	_, err := d.Dispatch(context.Background(), desc, Result{
		Data:   []byte("encoded"),
		Format: domain.FormatJPG,
		Source: []byte("source"),
	})
	if !errors.Is(err, domain.ErrUploadFailed) {
		t.Fatalf("expected ErrUploadFailed, got %v", err)
	}
}

func TestDispatchKeyNaming(t *testing.T) {
	uploader := &fakeUploader{}
	d := NewDispatcher(uploader, testLogger())

	desc := domain.JobDescriptor{
		Format:    domain.FormatWebP,
		Size:      800,
		KeyPrefix: "events/123",
		Output:    domain.OutputMode{UploadToStorage: true},
	}
	result := Result{Data: []byte("encoded"), Format: domain.FormatWebP, Source: []byte("source")}

	first, err := d.Dispatch(context.Background(), desc, result)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if !strings.HasPrefix(first.ObjectKey, "events/123/") {
		t.Fatalf("expected prefixed key, got %s", first.ObjectKey)
	}
	if !strings.Contains(first.ObjectKey, "_800_") || !strings.HasSuffix(first.ObjectKey, ".webp") {
		t.Fatalf("expected size tag and extension in key, got %s", first.ObjectKey)
	}

	// Identical input and parameters land on the identical key.
	again, err := d.Dispatch(context.Background(), desc, result)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if first.ObjectKey != again.ObjectKey {
		t.Fatalf("content-addressed keys must be stable: %s vs %s", first.ObjectKey, again.ObjectKey)
	}

	// A forced name wins over generation.
	desc.KeyName = "forced.webp"
	forced, err := d.Dispatch(context.Background(), desc, result)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if forced.ObjectKey != "events/123/forced.webp" {
		t.Fatalf("expected forced key under prefix, got %s", forced.ObjectKey)
	}
}
