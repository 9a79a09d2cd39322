package scene

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/scenereport/worker/internal/media"
)

// ErrNoScenes is returned when detection produces an empty scene list.
var ErrNoScenes = errors.New("scene: no scenes detected")

// Detection parameters. The thresholds are the multi-pass sweep; cuts
// closer than MinSceneInterval collapse to the higher-confidence one, and
// scenes shorter than MinSceneDuration are dropped.
var Thresholds = []float64{0.03, 0.05, 0.10}

const (
	MinSceneInterval = 3.0
	MinSceneDuration = 2.0

	// detectTimeout bounds one full-detection ffmpeg pass.
	detectTimeout = 300 * time.Second

	// luminanceDelta is the minimum YAVG jump between consecutive samples
	// treated as a fade or dissolve boundary.
	luminanceDelta = 28.0

	// activityHigh/activityLow bracket a text animation: the band is
	// "animating" above activityHigh and "stable" below activityLow.
	activityHigh = 8.0
	activityLow  = 2.0
)

// Prober is the subset of media.FFmpeg the detector needs.
type Prober interface {
	DetectSceneCuts(ctx context.Context, path string, threshold float64) ([]media.Cut, error)
	SampleLuminance(ctx context.Context, path string, fps float64) ([]media.LuminanceSample, error)
	SampleCaptionActivity(ctx context.Context, path string, fps float64) ([]media.ActivitySample, error)
}

// Detector runs scene detection for one video.
type Detector struct {
	ffmpeg Prober
	logger *slog.Logger
}

// NewDetector creates a Detector.
func NewDetector(ffmpeg Prober, logger *slog.Logger) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Detector{ffmpeg: ffmpeg, logger: logger}
}

// Detect returns the accepted scenes for the video, numbered sequentially.
func (d *Detector) Detect(ctx context.Context, videoPath string, durationSec float64, mode Mode) ([]Scene, error) {
	ctx, cancel := context.WithTimeout(ctx, detectTimeout)
	defer cancel()

	merged := map[int64]media.Cut{}
	for _, threshold := range Thresholds {
		cuts, err := d.ffmpeg.DetectSceneCuts(ctx, videoPath, threshold)
		if err != nil {
			return nil, fmt.Errorf("detect at %g: %w", threshold, err)
		}
		mergeCuts(merged, cuts)
		d.logger.Debug("scene detection pass",
			slog.Float64("threshold", threshold),
			slog.Int("cuts", len(cuts)),
		)
	}

	if mode == ModeEnhanced {
		extra, err := d.enhancedBoundaries(ctx, videoPath)
		if err != nil {
			// Enhanced passes refine the result; their failure must not
			// lose the standard cuts.
			d.logger.Warn("enhanced detection failed, using standard cuts only",
				slog.String("error", err.Error()),
			)
		} else {
			mergeCuts(merged, extra)
		}
	}

	cuts := sortedCuts(merged)
	cuts = collapseClose(cuts, MinSceneInterval)
	scenes := buildScenes(cuts, durationSec)
	if len(scenes) == 0 {
		return nil, ErrNoScenes
	}
	return scenes, nil
}

// enhancedBoundaries finds fades/dissolves via luminance jumps and animated
// text settling via caption-band activity.
func (d *Detector) enhancedBoundaries(ctx context.Context, videoPath string) ([]media.Cut, error) {
	var cuts []media.Cut

	samples, err := d.ffmpeg.SampleLuminance(ctx, videoPath, 2)
	if err != nil {
		return nil, fmt.Errorf("luminance pass: %w", err)
	}
	for i := 1; i < len(samples); i++ {
		delta := math.Abs(samples[i].YAvg - samples[i-1].YAvg)
		if delta >= luminanceDelta {
			cuts = append(cuts, media.Cut{Time: samples[i].Time, Score: delta / 255})
		}
	}

	activity, err := d.ffmpeg.SampleCaptionActivity(ctx, videoPath, 2)
	if err != nil {
		return nil, fmt.Errorf("text stability pass: %w", err)
	}
	cuts = append(cuts, stabilizationPoints(activity)...)

	return cuts, nil
}

// stabilizationPoints finds moments where caption-band activity drops from
// animating to stable. Each such settle seeds a scene boundary.
func stabilizationPoints(samples []media.ActivitySample) []media.Cut {
	var cuts []media.Cut
	animating := false
	for _, s := range samples {
		switch {
		case s.YDif >= activityHigh:
			animating = true
		case animating && s.YDif <= activityLow:
			cuts = append(cuts, media.Cut{Time: s.Time, Score: 0.5})
			animating = false
		}
	}
	return cuts
}

// mergeCuts merges cuts into the accumulator keyed by millisecond timestamp,
// keeping the maximum confidence at each timestamp.
func mergeCuts(acc map[int64]media.Cut, cuts []media.Cut) {
	for _, c := range cuts {
		key := int64(math.Round(c.Time * 1000))
		if prev, ok := acc[key]; !ok || c.Score > prev.Score {
			acc[key] = c
		}
	}
}

func sortedCuts(acc map[int64]media.Cut) []media.Cut {
	cuts := make([]media.Cut, 0, len(acc))
	for _, c := range acc {
		cuts = append(cuts, c)
	}
	sort.Slice(cuts, func(i, j int) bool { return cuts[i].Time < cuts[j].Time })
	return cuts
}

// collapseClose collapses consecutive cuts closer than minInterval to the
// higher-confidence one.
func collapseClose(cuts []media.Cut, minInterval float64) []media.Cut {
	if len(cuts) == 0 {
		return cuts
	}
	out := []media.Cut{cuts[0]}
	for _, c := range cuts[1:] {
		last := &out[len(out)-1]
		if c.Time-last.Time < minInterval {
			if c.Score > last.Score {
				*last = c
			}
			continue
		}
		out = append(out, c)
	}
	return out
}

// buildScenes turns cut times into scenes bounded by [0, duration], drops
// scenes shorter than MinSceneDuration, and numbers the survivors
// sequentially so scene_number has no gaps.
func buildScenes(cuts []media.Cut, durationSec float64) []Scene {
	type boundary struct {
		time  float64
		score float64
	}
	boundaries := []boundary{{time: 0, score: 1}}
	for _, c := range cuts {
		if c.Time > 0 && c.Time < durationSec {
			boundaries = append(boundaries, boundary{time: c.Time, score: c.Score})
		}
	}

	var scenes []Scene
	for i, b := range boundaries {
		end := durationSec
		if i+1 < len(boundaries) {
			end = boundaries[i+1].time
		}
		if end-b.time < MinSceneDuration {
			continue
		}
		scenes = append(scenes, Scene{
			Number:     len(scenes) + 1,
			StartTime:  b.time,
			EndTime:    end,
			Confidence: b.score,
		})
	}
	return scenes
}
