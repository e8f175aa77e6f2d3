package pipeline

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/pixload/darkroom/internal/domain"
)

type fakeFetcher struct {
	source  []byte
	overlay []byte
	err     error
}

func (f fakeFetcher) Source(context.Context, string) ([]byte, string, error) {
	if f.err != nil {
		return nil, "", f.err
	}
	return f.source, "image/png", nil
}

func (f fakeFetcher) Overlay(context.Context, string) ([]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.overlay, nil
}

type captureExecutor struct {
	plan    Plan
	overlay []byte
	out     []byte
	err     error
}

func (e *captureExecutor) Execute(_ context.Context, plan Plan, _, overlay []byte) ([]byte, error) {
	e.plan = plan
	e.overlay = overlay
	if e.err != nil {
		return nil, e.err
	}
	return e.out, nil
}

func buildTestPNG(t *testing.T, w, h int) []byte {
	t.Helper()

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{
				R: uint8((x * 255) / w),
				G: uint8((y * 255) / h),
				B: 140,
				A: 255,
			})
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode source png: %v", err)
	}
	return buf.Bytes()
}

func TestConvertUploadedBytes(t *testing.T) {
	executor := &captureExecutor{out: []byte("encoded")}
	p := NewProcessor(fakeFetcher{}, executor, testLogger())

	desc := domain.JobDescriptor{
		Source:  domain.Source{Data: buildTestPNG(t, 240, 120)},
		Format:  domain.FormatJPG,
		Quality: 80,
		Size:    120,
		Output:  domain.OutputMode{ReturnBinary: true},
	}
	result, err := p.Convert(context.Background(), desc)
	if err != nil {
		t.Fatalf("convert: %v", err)
	}

	if string(result.Data) != "encoded" {
		t.Fatalf("unexpected output: %q", result.Data)
	}
	if executor.plan.Width != 120 || executor.plan.Height != 60 {
		t.Fatalf("expected planned canvas 120x60, got %dx%d", executor.plan.Width, executor.plan.Height)
	}
}

func TestConvertFetchesRemoteSource(t *testing.T) {
	source := buildTestPNG(t, 64, 64)
	executor := &captureExecutor{out: []byte("encoded")}
	p := NewProcessor(fakeFetcher{source: source}, executor, testLogger())

	desc := domain.JobDescriptor{
		Source:  domain.Source{URL: "https://example.com/a.png"},
		Format:  domain.FormatPNG,
		Quality: 80,
		Output:  domain.OutputMode{ReturnBinary: true},
	}
	result, err := p.Convert(context.Background(), desc)
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if result.SourceBytes != len(source) {
		t.Fatalf("expected source bytes %d, got %d", len(source), result.SourceBytes)
	}
}

func TestConvertSkipsOverlayFetchAtZeroOpacity(t *testing.T) {
	executor := &captureExecutor{out: []byte("encoded")}
	// The fetcher errors on any call; a zero-opacity overlay must never
	// reach it.
	p := NewProcessor(fakeFetcher{err: errors.New("no calls expected")}, executor, testLogger())

	desc := domain.JobDescriptor{
		Source:  domain.Source{Data: buildTestPNG(t, 32, 32)},
		Format:  domain.FormatJPG,
		Quality: 80,
		Overlay: &domain.OverlaySpec{URL: "https://example.com/logo.png", ScalePercent: 15},
		Output:  domain.OutputMode{ReturnBinary: true},
	}
	if _, err := p.Convert(context.Background(), desc); err != nil {
		t.Fatalf("convert: %v", err)
	}
	if executor.plan.HasStage(StageComposite) {
		t.Fatal("expected no composite stage for invisible overlay")
	}
}

func TestConvertPropagatesExecutorFailure(t *testing.T) {
	executor := &captureExecutor{err: domain.ErrCodecFailure}
	p := NewProcessor(fakeFetcher{}, executor, testLogger())

	desc := domain.JobDescriptor{
		Source:  domain.Source{Data: buildTestPNG(t, 32, 32)},
		Format:  domain.FormatJPG,
		Quality: 80,
		Output:  domain.OutputMode{ReturnBinary: true},
	}
	if _, err := p.Convert(context.Background(), desc); !errors.Is(err, domain.ErrCodecFailure) {
		t.Fatalf("expected ErrCodecFailure, got %v", err)
	}
}
