package media

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
)

// Cut is a detected scene change candidate.
type Cut struct {
	// Time is the presentation timestamp of the cut in seconds.
	Time float64
	// Score is the detector's confidence for this cut.
	Score float64
}

// Lines emitted by metadata=print look like:
//
//	frame:12   pts:180180  pts_time:6.006
//	lavfi.scene_score=0.412
var (
	ptsTimeRe    = regexp.MustCompile(`pts_time:([\d.]+)`)
	sceneScoreRe = regexp.MustCompile(`lavfi\.scene_score=([\d.]+)`)
	yavgRe       = regexp.MustCompile(`lavfi\.signalstats\.YAVG=([\d.]+)`)
	ydifRe       = regexp.MustCompile(`lavfi\.signalstats\.YDIF=([\d.]+)`)
)

// DetectSceneCuts runs ffmpeg scene-change detection at the given threshold
// and returns the candidate cuts in order.
func (f *FFmpeg) DetectSceneCuts(ctx context.Context, path string, threshold float64) ([]Cut, error) {
	filter := fmt.Sprintf("select='gt(scene,%g)',metadata=print:file=-", threshold)
	args := []string{
		"-i", path,
		"-vf", filter,
		"-an",
		"-f", "null",
		"-hide_banner",
		"-",
	}

	stdout, err := f.runFFmpegOutput(ctx, args)
	if err != nil {
		return nil, fmt.Errorf("scene detection at %g: %w", threshold, err)
	}

	return parseSceneCuts(stdout), nil
}

// parseSceneCuts pairs pts_time lines with the scene_score line that follows.
func parseSceneCuts(output string) []Cut {
	var cuts []Cut
	var pending float64
	hasPending := false

	for _, line := range splitLines(output) {
		if m := ptsTimeRe.FindStringSubmatch(line); len(m) > 1 {
			if t, err := strconv.ParseFloat(m[1], 64); err == nil {
				pending = t
				hasPending = true
			}
			continue
		}
		if m := sceneScoreRe.FindStringSubmatch(line); len(m) > 1 && hasPending {
			if score, err := strconv.ParseFloat(m[1], 64); err == nil {
				cuts = append(cuts, Cut{Time: pending, Score: score})
			}
			hasPending = false
		}
	}
	return cuts
}

// LuminanceSample is one frame's average luma.
type LuminanceSample struct {
	Time float64
	YAvg float64
}

// SampleLuminance measures average luma per analyzed frame using the
// signalstats filter. Enhanced mode uses the samples to find fades and
// dissolves that the cut detector misses.
func (f *FFmpeg) SampleLuminance(ctx context.Context, path string, fps float64) ([]LuminanceSample, error) {
	if fps <= 0 {
		fps = 2
	}
	filter := fmt.Sprintf("fps=%g,signalstats,metadata=print:file=-", fps)
	args := []string{
		"-i", path,
		"-vf", filter,
		"-an",
		"-f", "null",
		"-hide_banner",
		"-",
	}

	stdout, err := f.runFFmpegOutput(ctx, args)
	if err != nil {
		return nil, fmt.Errorf("luminance sampling: %w", err)
	}

	return parseLuminance(stdout), nil
}

// parseLuminance pairs pts_time lines with the YAVG line that follows.
func parseLuminance(output string) []LuminanceSample {
	var samples []LuminanceSample
	var pending float64
	hasPending := false

	for _, line := range splitLines(output) {
		if m := ptsTimeRe.FindStringSubmatch(line); len(m) > 1 {
			if t, err := strconv.ParseFloat(m[1], 64); err == nil {
				pending = t
				hasPending = true
			}
			continue
		}
		if m := yavgRe.FindStringSubmatch(line); len(m) > 1 && hasPending {
			if y, err := strconv.ParseFloat(m[1], 64); err == nil {
				samples = append(samples, LuminanceSample{Time: pending, YAvg: y})
			}
			hasPending = false
		}
	}
	return samples
}

// ActivitySample is one frame's luma difference against the previous frame,
// measured over the caption band (bottom 20% of the picture).
type ActivitySample struct {
	Time float64
	YDif float64
}

// SampleCaptionActivity measures frame-to-frame change in the caption band.
// Text-stability detection uses the samples to find where animated text
// settles.
func (f *FFmpeg) SampleCaptionActivity(ctx context.Context, path string, fps float64) ([]ActivitySample, error) {
	if fps <= 0 {
		fps = 2
	}
	filter := fmt.Sprintf("fps=%g,crop=iw:ih/5:0:4*ih/5,signalstats,metadata=print:file=-", fps)
	args := []string{
		"-i", path,
		"-vf", filter,
		"-an",
		"-f", "null",
		"-hide_banner",
		"-",
	}

	stdout, err := f.runFFmpegOutput(ctx, args)
	if err != nil {
		return nil, fmt.Errorf("caption activity sampling: %w", err)
	}

	var samples []ActivitySample
	var pending float64
	hasPending := false
	for _, line := range splitLines(stdout) {
		if m := ptsTimeRe.FindStringSubmatch(line); len(m) > 1 {
			if t, err := strconv.ParseFloat(m[1], 64); err == nil {
				pending = t
				hasPending = true
			}
			continue
		}
		if m := ydifRe.FindStringSubmatch(line); len(m) > 1 && hasPending {
			if y, err := strconv.ParseFloat(m[1], 64); err == nil {
				samples = append(samples, ActivitySample{Time: pending, YDif: y})
			}
			hasPending = false
		}
	}
	return samples, nil
}

func splitLines(s string) []string {
	var lines []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			lines = append(lines, s[start:i])
			start = i + 1
		}
	}
	if start < len(s) {
		lines = append(lines, s[start:])
	}
	return lines
}
