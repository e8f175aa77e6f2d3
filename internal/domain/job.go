package domain

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	FormatJPG  = "jpg"
	FormatPNG  = "png"
	FormatWebP = "webp"
	FormatAVIF = "avif"

	DefaultQuality        = 80
	DefaultOverlayScale   = 15
	DefaultOverlayOpacity = 100
	DefaultAVIFSpeed      = 6
	DefaultAVIFBitDepth   = 8
	DefaultAVIFChroma     = 420

	// Longest edge accepted for a resize target. Matches the hard limit of
	// the most constrained encoder (WebP).
	MaxTargetEdge = 16383
)

// ConvertParams carries the raw request fields exactly as they arrive on the
// wire. Field names double as multipart form names and async job JSON keys.
// Nothing here is trusted; Normalize is the only way to a JobDescriptor.
type ConvertParams struct {
	SrcURL          string `json:"src_url,omitempty"`
	Format          string `json:"format,omitempty"`
	Quality         string `json:"q,omitempty"`
	Size            string `json:"size,omitempty"`
	Square          string `json:"square,omitempty"`
	StripEXIF       string `json:"strip_exif,omitempty"`
	OverlayURL      string `json:"overlay_url,omitempty"`
	OverlayScale    string `json:"overlay_scale,omitempty"`
	OverlayOpacity  string `json:"overlay_opacity,omitempty"`
	OverlaySafeZone string `json:"overlay_safe_zone,omitempty"`
	UploadS3        string `json:"upload_s3,omitempty"`
	ReturnBinary    string `json:"return_binary,omitempty"`
	KeyName         string `json:"key_name,omitempty"`
	KeyPrefix       string `json:"key_prefix,omitempty"`
	AVIFSpeed       string `json:"avif_speed,omitempty"`
	AVIFDepth       string `json:"avif_depth,omitempty"`
	AVIFYUV         string `json:"avif_yuv,omitempty"`
}

// Source is the resolved image input: uploaded bytes or a fetch URL,
// exactly one of the two.
type Source struct {
	Data []byte
	URL  string
}

type OverlaySpec struct {
	URL            string
	ScalePercent   int
	OpacityPercent int
	SafeZone       bool
}

type AVIFTuning struct {
	Speed             int
	BitDepth          int
	ChromaSubsampling int
}

type OutputMode struct {
	UploadToStorage bool
	ReturnBinary    bool
}

// JobDescriptor is the canonical, bounds-checked description of one
// conversion. Built once per request by Normalize and never mutated after.
type JobDescriptor struct {
	Source        Source
	Format        string
	Quality       int
	Size          int // long-edge target in pixels; 0 means no resize
	Square        bool
	StripMetadata bool
	Overlay       *OverlaySpec
	AVIF          AVIFTuning
	Output        OutputMode
	KeyName       string
	KeyPrefix     string
}

// Normalize applies defaults and bounds to the raw params and combines them
// with the resolved source. Numeric knobs are clamped into their documented
// range; enumerated fields (format, AVIF depth, AVIF chroma) are rejected
// when unrecognized, since a wrong enum is a caller mistake rather than an
// out-of-tune value.
func (p ConvertParams) Normalize(source Source) (JobDescriptor, error) {
	if (len(source.Data) == 0) == (strings.TrimSpace(source.URL) == "") {
		return JobDescriptor{}, fmt.Errorf("%w: provide exactly one of file or src_url", ErrInvalidInput)
	}

	format := strings.ToLower(strings.TrimSpace(p.Format))
	switch format {
	case "", "jpeg", FormatJPG:
		format = FormatJPG
	case FormatPNG, FormatWebP, FormatAVIF:
	default:
		return JobDescriptor{}, fmt.Errorf("%w: unsupported format %q", ErrInvalidInput, p.Format)
	}

	quality, err := intField("q", p.Quality, DefaultQuality)
	if err != nil {
		return JobDescriptor{}, err
	}
	quality = clamp(quality, 0, 100)

	size, err := intField("size", p.Size, 0)
	if err != nil {
		return JobDescriptor{}, err
	}
	if p.Size != "" && size <= 0 {
		return JobDescriptor{}, fmt.Errorf("%w: size must be a positive pixel count", ErrInvalidInput)
	}
	if size > MaxTargetEdge {
		size = MaxTargetEdge
	}

	square, err := boolField("square", p.Square, false)
	if err != nil {
		return JobDescriptor{}, err
	}
	stripEXIF, err := boolField("strip_exif", p.StripEXIF, false)
	if err != nil {
		return JobDescriptor{}, err
	}

	overlay, err := p.normalizeOverlay()
	if err != nil {
		return JobDescriptor{}, err
	}

	avif, err := p.normalizeAVIF()
	if err != nil {
		return JobDescriptor{}, err
	}

	uploadS3, err := boolField("upload_s3", p.UploadS3, false)
	if err != nil {
		return JobDescriptor{}, err
	}
	returnBinary, err := boolField("return_binary", p.ReturnBinary, false)
	if err != nil {
		return JobDescriptor{}, err
	}
	if !uploadS3 && !returnBinary {
		return JobDescriptor{}, fmt.Errorf("%w: request at least one of upload_s3 or return_binary", ErrInvalidInput)
	}

	return JobDescriptor{
		Source:        source,
		Format:        format,
		Quality:       quality,
		Size:          size,
		Square:        square,
		StripMetadata: stripEXIF,
		Overlay:       overlay,
		AVIF:          avif,
		Output: OutputMode{
			UploadToStorage: uploadS3,
			ReturnBinary:    returnBinary,
		},
		KeyName:   strings.TrimSpace(p.KeyName),
		KeyPrefix: strings.Trim(strings.TrimSpace(p.KeyPrefix), "/"),
	}, nil
}

func (p ConvertParams) normalizeOverlay() (*OverlaySpec, error) {
	url := strings.TrimSpace(p.OverlayURL)
	if url == "" {
		if p.OverlayScale != "" || p.OverlayOpacity != "" || p.OverlaySafeZone != "" {
			return nil, fmt.Errorf("%w: overlay settings require overlay_url", ErrInvalidInput)
		}
		return nil, nil
	}

	scale, err := intField("overlay_scale", p.OverlayScale, DefaultOverlayScale)
	if err != nil {
		return nil, err
	}
	opacity, err := intField("overlay_opacity", p.OverlayOpacity, DefaultOverlayOpacity)
	if err != nil {
		return nil, err
	}
	safeZone, err := boolField("overlay_safe_zone", p.OverlaySafeZone, true)
	if err != nil {
		return nil, err
	}

	return &OverlaySpec{
		URL:            url,
		ScalePercent:   clamp(scale, 1, 100),
		OpacityPercent: clamp(opacity, 0, 100),
		SafeZone:       safeZone,
	}, nil
}

func (p ConvertParams) normalizeAVIF() (AVIFTuning, error) {
	speed, err := intField("avif_speed", p.AVIFSpeed, DefaultAVIFSpeed)
	if err != nil {
		return AVIFTuning{}, err
	}
	depth, err := intField("avif_depth", p.AVIFDepth, DefaultAVIFBitDepth)
	if err != nil {
		return AVIFTuning{}, err
	}
	if depth != 8 && depth != 10 {
		return AVIFTuning{}, fmt.Errorf("%w: avif_depth must be 8 or 10", ErrInvalidInput)
	}
	yuv, err := intField("avif_yuv", p.AVIFYUV, DefaultAVIFChroma)
	if err != nil {
		return AVIFTuning{}, err
	}
	if yuv != 420 && yuv != 444 {
		return AVIFTuning{}, fmt.Errorf("%w: avif_yuv must be 420 or 444", ErrInvalidInput)
	}

	return AVIFTuning{
		Speed:             clamp(speed, 0, 10),
		BitDepth:          depth,
		ChromaSubsampling: yuv,
	}, nil
}

// ContentType returns the MIME type for a normalized target format.
func ContentType(format string) string {
	switch format {
	case FormatJPG:
		return "image/jpeg"
	case FormatPNG:
		return "image/png"
	case FormatWebP:
		return "image/webp"
	case FormatAVIF:
		return "image/avif"
	default:
		return "application/octet-stream"
	}
}

func intField(name, raw string, fallback int) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback, nil
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be an integer", ErrInvalidInput, name)
	}
	return parsed, nil
}

func boolField(name, raw string, fallback bool) (bool, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback, nil
	}
	parsed, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("%w: %s must be a boolean", ErrInvalidInput, name)
	}
	return parsed, nil
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
