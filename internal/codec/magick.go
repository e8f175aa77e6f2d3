package codec

import (
	"fmt"
	"strconv"

	"github.com/pixload/darkroom/internal/domain"
	"github.com/pixload/darkroom/internal/pipeline"
)

// magickArgs translates a plan into one ImageMagick 7 command line. The
// stage order of the plan is preserved verbatim; every stage maps to an
// argument group and nothing is reordered here.
func magickArgs(plan pipeline.Plan, inputPath, overlayPath, outputPath string, threadLimit int) []string {
	args := []string{inputPath, "-limit", "thread", strconv.Itoa(threadLimit)}

	for _, stage := range plan.Stages {
		switch stage.Kind {
		case pipeline.StageAutoOrient:
			args = append(args, "-auto-orient")

		case pipeline.StageSRGB:
			args = append(args, "-colorspace", "sRGB")

		case pipeline.StageResize:
			// The trailing > shrinks only, never upscales.
			args = append(args,
				"-filter", "Lanczos",
				"-resize", fmt.Sprintf("%dx%d>", stage.LongEdge, stage.LongEdge),
			)

		case pipeline.StageSquareCrop:
			if stage.Side > 0 {
				args = append(args,
					"-gravity", "center",
					"-extent", fmt.Sprintf("%dx%d", stage.Side, stage.Side),
				)
			} else {
				// Unknown source geometry: an aspect-ratio crop lets the
				// engine pick the short edge instead of padding to a
				// guessed extent.
				args = append(args, "-gravity", "center", "-crop", "1:1", "+repage")
			}

		case pipeline.StageComposite:
			p := stage.Placement
			args = append(args, "(", overlayPath, "-resize", fmt.Sprintf("%dx%d!", p.Width, p.Height))
			if p.Opacity < 1 {
				args = append(args, "-channel", "A", "-evaluate", "multiply",
					strconv.FormatFloat(p.Opacity, 'f', -1, 64))
			}
			args = append(args, ")",
				"-gravity", "NorthWest",
				"-geometry", fmt.Sprintf("+%d+%d", p.X, p.Y),
				"-composite",
			)

		case pipeline.StageSharpen:
			s := stage.Sharpen
			args = append(args, "-unsharp",
				fmt.Sprintf("%gx%g+%g+%g", s.Radius, s.Sigma, s.Amount, s.Threshold))

		case pipeline.StageStrip:
			args = append(args, "-strip")

		case pipeline.StageEncode:
			args = append(args, encodeArgs(stage.Encode)...)
		}
	}

	return append(args, outputPath)
}

func encodeArgs(spec pipeline.EncodeSpec) []string {
	switch spec.Format {
	case domain.FormatJPG:
		return []string{"-quality", strconv.Itoa(spec.Quality), "-interlace", "Plane"}
	case domain.FormatWebP:
		return []string{"-quality", strconv.Itoa(spec.Quality), "-define", "webp:method=6"}
	case domain.FormatAVIF:
		// AVIF is handed to the dedicated AV1 encoder; the engine only
		// produces the lossless intermediate.
		return nil
	default:
		return nil
	}
}
