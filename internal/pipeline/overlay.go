package pipeline

import "github.com/pixload/darkroom/internal/domain"

// Placement is a computed overlay rectangle in destination pixel space plus
// the alpha multiplier applied before compositing.
type Placement struct {
	X       int
	Y       int
	Width   int
	Height  int
	Opacity float64
}

// Overlays thinner than this render as noise; the engine would also divide
// by zero scaling a zero-width layer.
const minOverlayWidth = 10

// Fraction of the frame height reserved for platform UI on vertical
// layouts: reaction bars, captions, progress scrubbers.
const safeZoneFraction = 4

// ComputePlacement sizes the overlay to scalePercent of the base width,
// preserves its native aspect ratio, and anchors it bottom-right with a
// margin of 3% of the shorter base edge. Safe-zone placement lifts the
// overlay above the bottom quarter of the frame instead, as a fraction of
// height so it scales across resolutions. Coordinates are clamped to the
// canvas; the declared scale is never altered, though the visible rectangle
// is intersected with the canvas when the overlay is larger than the base.
func ComputePlacement(baseW, baseH, overlayW, overlayH int, spec domain.OverlaySpec) Placement {
	ow := baseW * spec.ScalePercent / 100
	if ow < minOverlayWidth {
		ow = minOverlayWidth
	}

	oh := ow
	if overlayW > 0 && overlayH > 0 {
		oh = ow * overlayH / overlayW
	}
	if oh < 1 {
		oh = 1
	}

	margin := min(baseW, baseH) * 3 / 100

	x := baseW - ow - margin
	y := baseH - oh - margin
	if spec.SafeZone {
		y = baseH - oh - baseH/safeZoneFraction
	}

	x, ow = clampSpan(x, ow, baseW)
	y, oh = clampSpan(y, oh, baseH)

	return Placement{
		X:       x,
		Y:       y,
		Width:   ow,
		Height:  oh,
		Opacity: float64(spec.OpacityPercent) / 100,
	}
}

// clampSpan keeps [pos, pos+span] inside [0, limit], shrinking the span
// only when it exceeds the canvas outright.
func clampSpan(pos, span, limit int) (int, int) {
	if span > limit {
		return 0, limit
	}
	if pos < 0 {
		pos = 0
	}
	if pos+span > limit {
		pos = limit - span
	}
	return pos, span
}
