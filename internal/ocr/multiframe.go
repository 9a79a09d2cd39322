package ocr

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/scenereport/worker/internal/scene"
)

// Frame positions sampled within a scene for multi-frame OCR, as fractions
// of the scene duration.
var framePositions = []float64{0.25, 0.50, 0.75}

// FrameExtractor is the subset of media.FFmpeg the multi-frame runner needs.
type FrameExtractor interface {
	ExtractFrame(ctx context.Context, videoPath string, atSec float64, destPath string) error
}

// OCRer abstracts the manager for multi-frame selection.
type OCRer interface {
	PerformOCR(ctx context.Context, image []byte) (Result, error)
}

// MultiFrame runs OCR at several positions within a scene and selects the
// best result by the first_stable strategy: the earliest frame whose
// normalized text equals the next frame's; otherwise the frame with the
// most extracted text.
type MultiFrame struct {
	ocr    OCRer
	ffmpeg FrameExtractor
	logger *slog.Logger
}

// NewMultiFrame creates a MultiFrame runner.
func NewMultiFrame(ocr OCRer, ffmpeg FrameExtractor, logger *slog.Logger) *MultiFrame {
	if logger == nil {
		logger = slog.Default()
	}
	return &MultiFrame{ocr: ocr, ffmpeg: ffmpeg, logger: logger}
}

// Run extracts frames at the sample positions, OCRs each, and returns the
// selected result. Individual frame failures are skipped; the call fails
// only when every frame fails.
func (m *MultiFrame) Run(ctx context.Context, videoPath, tmpDir string, sc scene.Scene) (Result, error) {
	results := make([]Result, 0, len(framePositions))
	var lastErr error

	for i, pos := range framePositions {
		at := sc.StartTime + sc.Duration()*pos
		framePath := filepath.Join(tmpDir, fmt.Sprintf("scene_%04d_f%d.png", sc.Number, i))

		if err := m.ffmpeg.ExtractFrame(ctx, videoPath, at, framePath); err != nil {
			lastErr = err
			m.logger.Warn("multi-frame extraction failed",
				slog.Int("scene_number", sc.Number),
				slog.Float64("position", pos),
				slog.String("error", err.Error()),
			)
			continue
		}

		image, err := os.ReadFile(framePath) // #nosec G304 - path is worker-generated
		_ = os.Remove(framePath)
		if err != nil {
			lastErr = err
			continue
		}

		result, err := m.ocr.PerformOCR(ctx, image)
		if err != nil {
			lastErr = err
			m.logger.Warn("multi-frame ocr failed",
				slog.Int("scene_number", sc.Number),
				slog.Float64("position", pos),
				slog.String("error", err.Error()),
			)
			continue
		}
		results = append(results, result)
	}

	if len(results) == 0 {
		if lastErr != nil {
			return Result{}, fmt.Errorf("ocr: all frames failed for scene %d: %w", sc.Number, lastErr)
		}
		return Result{}, fmt.Errorf("ocr: no frames extracted for scene %d", sc.Number)
	}

	return selectFirstStable(results), nil
}

// selectFirstStable implements the first_stable strategy over results in
// frame order.
func selectFirstStable(results []Result) Result {
	for i := 0; i+1 < len(results); i++ {
		if normalizeText(results[i].Text) == normalizeText(results[i+1].Text) {
			return results[i]
		}
	}

	best := results[0]
	for _, r := range results[1:] {
		if len(r.Text) > len(best.Text) {
			best = r
		}
	}
	return best
}

// normalizeText collapses whitespace and case for stability comparison.
func normalizeText(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}
