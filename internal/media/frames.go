package media

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// Frame dimensions for extracted screenshots.
const (
	FrameWidth  = 1280
	FrameHeight = 720
)

// ExtractFrame writes the frame at atSec to destPath as a PNG resized to
// FrameWidth x FrameHeight.
func (f *FFmpeg) ExtractFrame(ctx context.Context, videoPath string, atSec float64, destPath string) error {
	if err := os.MkdirAll(filepath.Dir(destPath), 0750); err != nil {
		return fmt.Errorf("create frame dir: %w", err)
	}

	args := []string{
		"-y",
		"-ss", fmt.Sprintf("%.3f", atSec),
		"-i", videoPath,
		"-frames:v", "1",
		"-vf", fmt.Sprintf("scale=%d:%d", FrameWidth, FrameHeight),
		destPath,
	}

	if _, err := f.runFFmpeg(ctx, args); err != nil {
		return fmt.Errorf("extract frame at %.3fs: %w", atSec, err)
	}
	return nil
}
