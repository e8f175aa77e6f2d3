package codec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/pixload/darkroom/internal/config"
	"github.com/pixload/darkroom/internal/domain"
	"github.com/pixload/darkroom/internal/pipeline"
)

// Runner executes pipeline plans through external codec processes: the
// ImageMagick engine for decode/transform and most encodes, avifenc for the
// AV1 final encode. Every execution works inside its own scratch directory,
// removed on all exit paths, and holds exactly one governor slot for the
// duration of the process work.
type Runner struct {
	gov         *Governor
	logger      *log.Logger
	scratchRoot string
	timeout     time.Duration
	threadLimit int
	magickBin   string
	avifencBin  string

	// Injection point for tests; defaults to runCommand.
	runProcess func(ctx context.Context, bin string, args []string) error
}

func NewRunner(cfg config.CodecConfig, gov *Governor, logger *log.Logger) *Runner {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	threadLimit := cfg.ThreadLimit
	if threadLimit < 1 {
		threadLimit = 1
	}

	r := &Runner{
		gov:         gov,
		logger:      logger,
		scratchRoot: cfg.ScratchDir,
		timeout:     timeout,
		threadLimit: threadLimit,
		magickBin:   cfg.MagickBin,
		avifencBin:  cfg.AvifencBin,
	}
	r.runProcess = r.runCommand
	return r
}

func (r *Runner) Execute(ctx context.Context, plan pipeline.Plan, source, overlay []byte) ([]byte, error) {
	release, err := r.gov.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	scratch, err := os.MkdirTemp(r.scratchRoot, "darkroom-")
	if err != nil {
		return nil, fmt.Errorf("create scratch dir: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(scratch); err != nil {
			r.logger.Printf("scratch cleanup failed dir=%s err=%v", scratch, err)
		}
	}()

	inputPath := filepath.Join(scratch, "source")
	if err := os.WriteFile(inputPath, source, 0o600); err != nil {
		return nil, fmt.Errorf("write source: %w", err)
	}

	overlayPath := ""
	if len(overlay) > 0 {
		overlayPath = filepath.Join(scratch, "overlay")
		if err := os.WriteFile(overlayPath, overlay, 0o600); err != nil {
			return nil, fmt.Errorf("write overlay: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	format := plan.Format()
	outputPath := filepath.Join(scratch, "output."+format)

	if format == domain.FormatAVIF {
		// Two processes, one slot: the engine bakes every pixel
		// transform into a lossless intermediate, then the AV1 encoder
		// produces the bitstream.
		intermediatePath := filepath.Join(scratch, "intermediate.png")
		if err := r.runProcess(ctx, r.magickBin, magickArgs(plan, inputPath, overlayPath, intermediatePath, r.threadLimit)); err != nil {
			return nil, err
		}
		if err := r.runProcess(ctx, r.avifencBin, avifencArgs(encodeSpec(plan), intermediatePath, outputPath, r.threadLimit)); err != nil {
			return nil, err
		}
	} else {
		if err := r.runProcess(ctx, r.magickBin, magickArgs(plan, inputPath, overlayPath, outputPath, r.threadLimit)); err != nil {
			return nil, err
		}
	}

	data, err := os.ReadFile(outputPath)
	if err != nil {
		return nil, fmt.Errorf("%w: no output produced: %v", domain.ErrCodecFailure, err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty output file", domain.ErrCodecFailure)
	}
	return data, nil
}

// runCommand starts the process and waits for it under the caller's
// deadline. CommandContext kills the process group when the context fires,
// so a timed-out or client-cancelled codec is never left running.
func (r *Runner) runCommand(ctx context.Context, bin string, args []string) error {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err == nil {
		return nil
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		r.logger.Printf("codec timeout bin=%s stderr=%q", bin, truncate(stderr.String(), 512))
		return fmt.Errorf("%w: %s exceeded %s", domain.ErrCodecTimeout, bin, r.timeout)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	// Diagnostic output goes to the log only; callers see the kind.
	r.logger.Printf("codec failure bin=%s err=%v stderr=%q", bin, err, truncate(stderr.String(), 2048))
	return fmt.Errorf("%w: %s exited abnormally", domain.ErrCodecFailure, bin)
}

func encodeSpec(plan pipeline.Plan) pipeline.EncodeSpec {
	for _, stage := range plan.Stages {
		if stage.Kind == pipeline.StageEncode {
			return stage.Encode
		}
	}
	return pipeline.EncodeSpec{}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
