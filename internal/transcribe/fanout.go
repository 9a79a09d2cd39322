package transcribe

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"

	"github.com/scenereport/worker/internal/audio"
	"github.com/scenereport/worker/internal/ratelimit"
)

// RangeExtractor is the subset of audio.FFmpegAudio the fan-out needs.
type RangeExtractor interface {
	ExtractRange(ctx context.Context, inPath, outPath string, start, duration float64) error
}

// Transcriber fans chunks out to the speech API and assembles an
// absolute-time transcript.
type Transcriber struct {
	client  Client
	ffmpeg  RangeExtractor
	limiter *ratelimit.Limiter
	logger  *slog.Logger
}

// NewTranscriber creates a Transcriber. A nil limiter selects the shared
// speech limiter.
func NewTranscriber(client Client, ffmpeg RangeExtractor, limiter *ratelimit.Limiter, logger *slog.Logger) *Transcriber {
	if limiter == nil {
		limiter = ratelimit.Speech()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Transcriber{client: client, ffmpeg: ffmpeg, limiter: limiter, logger: logger}
}

// chunkWorkers bounds concurrent chunk processing. The cut subprocess runs
// before the limiter admits the API call, so the speech limiter alone would
// not cap ffmpeg pressure.
const chunkWorkers = 5

// Run transcribes every chunk and returns the merged transcript sorted by
// absolute timestamp, deduplicated where identical text-and-timestamp pairs
// appear. One chunk's failure records an empty result for that chunk and
// does not fail the run.
func (t *Transcriber) Run(ctx context.Context, audioPath, tmpDir string, chunks []audio.Chunk) []TranscriptSegment {
	results := make([][]TranscriptSegment, len(chunks))

	sem := make(chan struct{}, chunkWorkers)
	var wg sync.WaitGroup
	for i, chunk := range chunks {
		wg.Add(1)
		go func(i int, chunk audio.Chunk) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			segs, err := t.transcribeChunk(ctx, audioPath, tmpDir, chunk)
			if err != nil {
				t.logger.Warn("chunk transcription failed, recording empty result",
					slog.String("audio_path", audioPath),
					slog.Int("chunk_index", chunk.Index),
					slog.Float64("start_time", chunk.StartTime),
					slog.String("error", err.Error()),
				)
				return
			}
			results[i] = segs
		}(i, chunk)
	}
	wg.Wait()

	var all []TranscriptSegment
	for _, segs := range results {
		all = append(all, segs...)
	}
	return mergeSegments(all)
}

// transcribeChunk cuts the chunk's range from the audio file, submits it
// through the speech limiter, and shifts timestamps onto the video timeline.
func (t *Transcriber) transcribeChunk(ctx context.Context, audioPath, tmpDir string, chunk audio.Chunk) ([]TranscriptSegment, error) {
	chunkPath := filepath.Join(tmpDir, fmt.Sprintf("chunk_%04d.mp3", chunk.Index))
	if err := t.ffmpeg.ExtractRange(ctx, audioPath, chunkPath, chunk.StartTime, chunk.Duration); err != nil {
		return nil, fmt.Errorf("cut chunk %d: %w", chunk.Index, err)
	}

	var segs []TranscriptSegment
	err := t.limiter.ExecuteWithRetry(ctx, func(ctx context.Context) error {
		var callErr error
		segs, callErr = t.client.Transcribe(ctx, chunkPath)
		return callErr
	}, IsRetryable)
	if err != nil {
		return nil, err
	}

	for i := range segs {
		segs[i].Timestamp += chunk.StartTime
		segs[i].ChunkIndex = chunk.Index
	}
	return segs, nil
}

// mergeSegments sorts by absolute timestamp and drops duplicates with
// identical text and timestamp, an artifact of overlapping voice windows.
func mergeSegments(segs []TranscriptSegment) []TranscriptSegment {
	sort.SliceStable(segs, func(i, j int) bool {
		return segs[i].Timestamp < segs[j].Timestamp
	})

	out := make([]TranscriptSegment, 0, len(segs))
	for _, s := range segs {
		if n := len(out); n > 0 && s.Timestamp == out[n-1].Timestamp && s.Text == out[n-1].Text {
			continue
		}
		out = append(out, s)
	}
	return out
}
