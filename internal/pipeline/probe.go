package pipeline

import (
	"bytes"
	"image"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// Geometry is a probed pixel size. Known reports whether the header could
// be parsed in-process; HEIC and AVIF sources cannot, and callers fall back
// to the target canvas for layout decisions.
type Geometry struct {
	Width  int
	Height int
	Known  bool
}

// Probe reads only the image header, never the pixel data. Decoding proper
// is the codec processes' job.
func Probe(data []byte) Geometry {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil || cfg.Width <= 0 || cfg.Height <= 0 {
		return Geometry{}
	}
	return Geometry{Width: cfg.Width, Height: cfg.Height, Known: true}
}

// fallbackEdge mirrors the layout default used when the source geometry is
// opaque to the probe: assume a 1920px frame unless a resize target says
// otherwise.
const fallbackEdge = 1920

// EffectiveGeometry resolves the canvas used for planning. An unknown
// source geometry is treated as a square of the resize target (or 1920px),
// which keeps overlay scaling proportional to the requested output.
func EffectiveGeometry(probed Geometry, targetLongEdge int) Geometry {
	if probed.Known {
		return probed
	}
	edge := fallbackEdge
	if targetLongEdge > 0 {
		edge = targetLongEdge
	}
	return Geometry{Width: edge, Height: edge, Known: false}
}
