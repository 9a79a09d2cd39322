package audio

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pcm builds a waveform of totalSec seconds at rate Hz where every region in
// loud is held at the given amplitude and everything else is silence.
func pcm(totalSec float64, rate int, amplitude int16, loud [][2]float64) []int16 {
	samples := make([]int16, int(totalSec*float64(rate)))
	for _, region := range loud {
		start := int(region[0] * float64(rate))
		end := int(region[1] * float64(rate))
		for i := start; i < end && i < len(samples); i++ {
			samples[i] = amplitude
		}
	}
	return samples
}

func TestVADDetect(t *testing.T) {
	vad := NewVAD(nil)

	t.Run("silence yields no segments", func(t *testing.T) {
		res := vad.Detect(pcm(3, 16000, 0, nil), 16000)

		assert.Empty(t, res.Segments)
		assert.Zero(t, res.VoiceRatio)
		assert.InDelta(t, 100, res.EstimatedSavings, 0.01)
	})

	t.Run("detects one utterance", func(t *testing.T) {
		res := vad.Detect(pcm(3, 16000, 8000, [][2]float64{{1.0, 2.0}}), 16000)

		require.Len(t, res.Segments, 1)
		seg := res.Segments[0]
		assert.InDelta(t, 1.0, seg.StartTime, 0.1)
		assert.InDelta(t, 2.0, seg.EndTime, 0.1)
		assert.Greater(t, seg.Confidence, 0.5)
		assert.Greater(t, res.VoiceRatio, 0.2)
		assert.Less(t, res.EstimatedSavings, 80.0)
	})

	t.Run("drops detections shorter than the minimum", func(t *testing.T) {
		res := vad.Detect(pcm(3, 16000, 8000, [][2]float64{{1.0, 1.09}}), 16000)

		assert.Empty(t, res.Segments)
	})

	t.Run("bridges a short pause inside one utterance", func(t *testing.T) {
		// The gap is shorter than the hangover window, so both bursts
		// belong to the same segment.
		res := vad.Detect(pcm(4, 16000, 8000, [][2]float64{{1.0, 1.5}, {1.6, 2.2}}), 16000)

		require.Len(t, res.Segments, 1)
		assert.InDelta(t, 1.0, res.Segments[0].StartTime, 0.1)
		assert.InDelta(t, 2.2, res.Segments[0].EndTime, 0.1)
	})

	t.Run("splits on a long pause", func(t *testing.T) {
		res := vad.Detect(pcm(6, 16000, 8000, [][2]float64{{1.0, 2.0}, {4.0, 5.0}}), 16000)

		require.Len(t, res.Segments, 2)
		assert.Less(t, res.Segments[0].EndTime, res.Segments[1].StartTime)
	})

	t.Run("input shorter than one frame", func(t *testing.T) {
		res := vad.Detect(make([]int16, 10), 16000)

		assert.Empty(t, res.Segments)
		assert.InDelta(t, 100, res.EstimatedSavings, 0.01)
	})
}
