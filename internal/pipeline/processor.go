package pipeline

import (
	"context"
	"fmt"
	"log"

	"github.com/pixload/darkroom/internal/domain"
)

// AssetFetcher resolves remote source and overlay bytes.
type AssetFetcher interface {
	Source(ctx context.Context, url string) (data []byte, contentType string, err error)
	Overlay(ctx context.Context, url string) ([]byte, error)
}

// Executor runs a Plan against real bytes, typically by driving external
// codec processes, and returns the encoded output.
type Executor interface {
	Execute(ctx context.Context, plan Plan, source, overlay []byte) ([]byte, error)
}

// Result is the encoded output of one conversion plus enough bookkeeping
// for dispatch and accounting.
type Result struct {
	Data        []byte
	Format      string
	Source      []byte
	SourceBytes int
}

type Processor struct {
	fetcher  AssetFetcher
	executor Executor
	logger   *log.Logger
}

func NewProcessor(fetcher AssetFetcher, executor Executor, logger *log.Logger) *Processor {
	return &Processor{
		fetcher:  fetcher,
		executor: executor,
		logger:   logger,
	}
}

// Convert runs the full sequence for one descriptor: resolve inputs, build
// the plan, execute it. All network I/O happens here, before the executor
// takes a codec slot.
func (p *Processor) Convert(ctx context.Context, desc domain.JobDescriptor) (Result, error) {
	source := desc.Source.Data
	if len(source) == 0 {
		fetched, _, err := p.fetcher.Source(ctx, desc.Source.URL)
		if err != nil {
			return Result{}, err
		}
		source = fetched
	}
	if len(source) == 0 {
		return Result{}, fmt.Errorf("%w: empty source payload", domain.ErrInvalidInput)
	}

	var overlay []byte
	overlayGeo := Geometry{}
	if desc.Overlay != nil && desc.Overlay.OpacityPercent > 0 {
		fetched, err := p.fetcher.Overlay(ctx, desc.Overlay.URL)
		if err != nil {
			return Result{}, err
		}
		overlay = fetched
		overlayGeo = Probe(overlay)
	}

	geo := EffectiveGeometry(Probe(source), desc.Size)
	if !geo.Known {
		p.logger.Printf("source geometry not probeable, planning against %dx%d canvas", geo.Width, geo.Height)
	}

	plan := BuildPlan(desc, geo, overlayGeo)

	encoded, err := p.executor.Execute(ctx, plan, source, overlay)
	if err != nil {
		return Result{}, err
	}

	return Result{
		Data:        encoded,
		Format:      plan.Format(),
		Source:      source,
		SourceBytes: len(source),
	}, nil
}
