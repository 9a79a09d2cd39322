package media

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// Static errors for probing.
var (
	// ErrFFprobeExecution is returned when ffprobe command fails.
	ErrFFprobeExecution = errors.New("ffprobe execution failed")
	// ErrNoVideoStream is returned when the container has no video stream.
	ErrNoVideoStream = errors.New("no video stream found")
)

// Metadata describes the probed video container.
type Metadata struct {
	// DurationSec is the container duration in seconds.
	DurationSec float64
	// Width and Height are the dimensions of the first video stream.
	Width  int
	Height int
	// AspectRatio is Width/Height, used for report image sizing.
	AspectRatio float64
	// HasAudio reports whether the container carries an audio stream.
	HasAudio bool
}

// ffprobe JSON shapes, limited to what we read.
type probeOutput struct {
	Streams []probeStream `json:"streams"`
	Format  probeFormat   `json:"format"`
}

type probeStream struct {
	CodecType string `json:"codec_type"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
}

type probeFormat struct {
	Duration string `json:"duration"`
}

// Probe extracts duration, dimensions, aspect ratio, and audio presence
// from a media file.
func (f *FFmpeg) Probe(ctx context.Context, path string) (Metadata, error) {
	// #nosec G204 - ffprobePath is set by the application, not user input
	cmd := exec.CommandContext(ctx, f.ffprobePath,
		"-v", "error",
		"-show_streams",
		"-show_format",
		"-of", "json",
		path,
	)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return Metadata{}, fmt.Errorf("ffprobe cancelled: %w", ctx.Err())
		}
		return Metadata{}, fmt.Errorf("%w: %w, stderr: %s", ErrFFprobeExecution, err, stderr.String())
	}

	var out probeOutput
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		return Metadata{}, fmt.Errorf("parse ffprobe output: %w", err)
	}

	var meta Metadata
	hasVideo := false
	for _, s := range out.Streams {
		switch s.CodecType {
		case "video":
			if !hasVideo {
				hasVideo = true
				meta.Width = s.Width
				meta.Height = s.Height
			}
		case "audio":
			meta.HasAudio = true
		}
	}
	if !hasVideo {
		return Metadata{}, ErrNoVideoStream
	}

	if d := strings.TrimSpace(out.Format.Duration); d != "" {
		duration, err := strconv.ParseFloat(d, 64)
		if err != nil {
			return Metadata{}, fmt.Errorf("parse duration %q: %w", d, err)
		}
		meta.DurationSec = duration
	}

	if meta.Height > 0 {
		meta.AspectRatio = float64(meta.Width) / float64(meta.Height)
	}

	return meta, nil
}
