package pipeline

import (
	"github.com/pixload/darkroom/internal/domain"
)

type StageKind string

const (
	StageAutoOrient StageKind = "auto-orient"
	StageSRGB       StageKind = "srgb"
	StageResize     StageKind = "resize"
	StageSquareCrop StageKind = "square-crop"
	StageComposite  StageKind = "composite"
	StageSharpen    StageKind = "sharpen"
	StageStrip      StageKind = "strip"
	StageEncode     StageKind = "encode"
)

// Stage is one resolved transformation step. Only the fields relevant to
// its Kind are populated.
type Stage struct {
	Kind      StageKind
	LongEdge  int         // resize
	Side      int         // square-crop; 0 means crop to the short edge
	Placement Placement   // composite
	Sharpen   SharpenSpec // sharpen
	Encode    EncodeSpec  // encode
}

type SharpenSpec struct {
	Radius    float64
	Sigma     float64
	Amount    float64
	Threshold float64
}

type EncodeSpec struct {
	Format  string
	Quality int
	AVIF    domain.AVIFTuning
}

// Plan is the ordered stage sequence for one conversion. It is built once
// from a JobDescriptor plus the probed geometry, executed once, and never
// mutated in between.
type Plan struct {
	Stages []Stage
	// Final canvas after resize and crop; the composite placement and the
	// sharpen strength are derived from it.
	Width  int
	Height int
}

func (p Plan) Format() string {
	for _, stage := range p.Stages {
		if stage.Kind == StageEncode {
			return stage.Encode.Format
		}
	}
	return domain.FormatJPG
}

func (p Plan) HasStage(kind StageKind) bool {
	for _, stage := range p.Stages {
		if stage.Kind == kind {
			return true
		}
	}
	return false
}

// Sharpen strength falls off with output size; large images skip the stage
// to avoid halo artifacts. Radius 0 lets the engine pick one from sigma.
const sharpenSkipEdge = 2400

func sharpenFor(longEdge int) (SharpenSpec, bool) {
	if longEdge > sharpenSkipEdge {
		return SharpenSpec{}, false
	}

	amount := 0.5
	switch {
	case longEdge <= 800:
		amount = 1.0
	case longEdge <= 1600:
		amount = 0.75
	}
	return SharpenSpec{Radius: 0, Sigma: 0.75, Amount: amount, Threshold: 0.008}, true
}

// BuildPlan maps a descriptor and the probed source/overlay geometry to the
// fixed stage order: orient, color-normalize, resize, crop, composite,
// sharpen, strip, encode. Orientation always runs before a strip so the
// rotation survives metadata removal. Resizing never upscales past the
// source's native resolution; a larger target leaves the image at native
// size. Square output resizes the long edge first, then center-crops to the
// shorter edge.
func BuildPlan(desc domain.JobDescriptor, geo Geometry, overlayGeo Geometry) Plan {
	stages := []Stage{
		{Kind: StageAutoOrient},
		{Kind: StageSRGB},
	}

	width, height := geo.Width, geo.Height

	if desc.Size > 0 {
		stages = append(stages, Stage{Kind: StageResize, LongEdge: desc.Size})
		width, height = resizedDims(geo.Width, geo.Height, desc.Size)
	}

	if desc.Square {
		side := min(width, height)
		crop := Stage{Kind: StageSquareCrop, Side: side}
		if !geo.Known {
			// The real dimensions are opaque to the probe, so a fixed
			// extent could pad rather than crop. Side 0 tells the
			// executor to crop to the engine-computed short edge.
			crop.Side = 0
		}
		stages = append(stages, crop)
		width, height = side, side
	}

	if desc.Overlay != nil && desc.Overlay.OpacityPercent > 0 {
		placement := ComputePlacement(width, height, overlayGeo.Width, overlayGeo.Height, *desc.Overlay)
		stages = append(stages, Stage{Kind: StageComposite, Placement: placement})
	}

	if sharpen, ok := sharpenFor(max(width, height)); ok {
		stages = append(stages, Stage{Kind: StageSharpen, Sharpen: sharpen})
	}

	if desc.StripMetadata {
		stages = append(stages, Stage{Kind: StageStrip})
	}

	stages = append(stages, Stage{
		Kind: StageEncode,
		Encode: EncodeSpec{
			Format:  desc.Format,
			Quality: desc.Quality,
			AVIF:    desc.AVIF,
		},
	})

	return Plan{Stages: stages, Width: width, Height: height}
}

func resizedDims(w, h, longEdge int) (int, int) {
	if w <= 0 || h <= 0 {
		return w, h
	}
	current := max(w, h)
	if longEdge >= current {
		// Shrink only.
		return w, h
	}

	scale := float64(longEdge) / float64(current)
	rw := int(float64(w)*scale + 0.5)
	rh := int(float64(h)*scale + 0.5)
	if rw < 1 {
		rw = 1
	}
	if rh < 1 {
		rh = 1
	}
	return rw, rh
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
