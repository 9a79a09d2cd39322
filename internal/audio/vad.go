package audio

import (
	"log/slog"
	"math"
	"sort"
)

// VoiceSegment is one detected speech interval. Segments returned by Detect
// are non-overlapping and ordered; EndTime is strictly after StartTime.
type VoiceSegment struct {
	StartTime  float64 `json:"start_time"`
	EndTime    float64 `json:"end_time"`
	Duration   float64 `json:"duration"`
	Confidence float64 `json:"confidence"`
}

// VAD parameters.
const (
	// MinSpeechDuration drops detections shorter than this.
	MinSpeechDuration = 0.25

	// frameDuration is the analysis frame length.
	frameDuration = 0.03

	// hangoverFrames keeps a segment open across short energy dips so a
	// breath pause does not split one utterance into two.
	hangoverFrames = 8

	// noiseFloorPercentile picks the frame-energy percentile treated as
	// the noise floor of the recording.
	noiseFloorPercentile = 0.2

	// thresholdRatio scales the noise floor into the speech threshold.
	thresholdRatio = 3.0

	// minThreshold is the absolute RMS floor below which nothing counts
	// as speech, regardless of how quiet the recording is.
	minThreshold = 220.0
)

// VAD labels speech regions in a PCM waveform using adaptive frame-energy
// classification.
type VAD struct {
	logger *slog.Logger
}

// NewVAD creates a VAD.
func NewVAD(logger *slog.Logger) *VAD {
	if logger == nil {
		logger = slog.Default()
	}
	return &VAD{logger: logger}
}

// Result carries the detected segments plus the observability ratios logged
// for every run.
type Result struct {
	Segments []VoiceSegment
	// VoiceRatio is speech seconds over total seconds.
	VoiceRatio float64
	// EstimatedSavings is the percentage of audio the speech API will not
	// be asked to transcribe.
	EstimatedSavings float64
}

// Detect classifies the samples and returns merged speech segments.
// Segments shorter than MinSpeechDuration are discarded.
func (v *VAD) Detect(samples []int16, sampleRate int) Result {
	if sampleRate <= 0 {
		sampleRate = SampleRate
	}
	frameSize := int(float64(sampleRate) * frameDuration)
	if frameSize <= 0 || len(samples) < frameSize {
		return Result{EstimatedSavings: 100}
	}

	energies := frameEnergies(samples, frameSize)
	threshold := speechThreshold(energies)

	var segments []VoiceSegment
	var start int
	inSpeech := false
	silentRun := 0
	var peak float64

	for i, e := range energies {
		if e >= threshold {
			if !inSpeech {
				inSpeech = true
				start = i
				peak = e
			} else if e > peak {
				peak = e
			}
			silentRun = 0
			continue
		}
		if inSpeech {
			silentRun++
			if silentRun > hangoverFrames {
				segments = appendSegment(segments, start, i-silentRun+1, frameSize, sampleRate, peak, threshold)
				inSpeech = false
				silentRun = 0
			}
		}
	}
	if inSpeech {
		segments = appendSegment(segments, start, len(energies)-silentRun, frameSize, sampleRate, peak, threshold)
	}

	totalSec := float64(len(samples)) / float64(sampleRate)
	var voiceSec float64
	for _, s := range segments {
		voiceSec += s.Duration
	}

	res := Result{Segments: segments}
	if totalSec > 0 {
		res.VoiceRatio = voiceSec / totalSec
		res.EstimatedSavings = (1 - res.VoiceRatio) * 100
	}

	v.logger.Info("voice activity detected",
		slog.Int("segment_count", len(segments)),
		slog.Float64("voice_ratio", round2(res.VoiceRatio)),
		slog.Float64("estimated_savings_pct", round2(res.EstimatedSavings)),
		slog.Float64("total_sec", round2(totalSec)),
		slog.Float64("threshold", round2(threshold)),
	)

	return res
}

// frameEnergies computes RMS energy per frame.
func frameEnergies(samples []int16, frameSize int) []float64 {
	n := len(samples) / frameSize
	energies := make([]float64, n)
	for i := 0; i < n; i++ {
		var sum float64
		for _, s := range samples[i*frameSize : (i+1)*frameSize] {
			f := float64(s)
			sum += f * f
		}
		energies[i] = math.Sqrt(sum / float64(frameSize))
	}
	return energies
}

// speechThreshold derives the adaptive threshold from the noise floor.
func speechThreshold(energies []float64) float64 {
	sorted := make([]float64, len(energies))
	copy(sorted, energies)
	sort.Float64s(sorted)

	idx := int(float64(len(sorted)) * noiseFloorPercentile)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	noiseFloor := sorted[idx]

	threshold := noiseFloor * thresholdRatio
	if threshold < minThreshold {
		threshold = minThreshold
	}
	return threshold
}

func appendSegment(segments []VoiceSegment, startFrame, endFrame, frameSize, sampleRate int, peak, threshold float64) []VoiceSegment {
	if endFrame <= startFrame {
		return segments
	}
	start := float64(startFrame*frameSize) / float64(sampleRate)
	end := float64(endFrame*frameSize) / float64(sampleRate)
	if end-start < MinSpeechDuration {
		return segments
	}

	confidence := 0.5
	if threshold > 0 {
		confidence = math.Min(0.99, 0.5+0.5*math.Tanh((peak/threshold-1)/4))
	}
	return append(segments, VoiceSegment{
		StartTime:  start,
		EndTime:    end,
		Duration:   end - start,
		Confidence: confidence,
	})
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}
