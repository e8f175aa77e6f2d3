package codec

import (
	"strconv"

	"github.com/pixload/darkroom/internal/pipeline"
)

// avifencArgs builds the AV1 encoder command line for the final encode of
// an AVIF plan. --jobs carries the same per-process thread signal the image
// engine gets through -limit thread.
func avifencArgs(spec pipeline.EncodeSpec, inputPath, outputPath string, threadLimit int) []string {
	return []string{
		"--jobs", strconv.Itoa(threadLimit),
		"--speed", strconv.Itoa(spec.AVIF.Speed),
		"--depth", strconv.Itoa(spec.AVIF.BitDepth),
		"--yuv", strconv.Itoa(spec.AVIF.ChromaSubsampling),
		"-q", strconv.Itoa(spec.Quality),
		inputPath,
		outputPath,
	}
}
