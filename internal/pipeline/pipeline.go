// Package pipeline orchestrates one job end to end: download, the audio
// phase (extraction, VAD, transcription fan-out), the visual phase (scene
// detection, frame extraction, OCR with optional batch chaining), and the
// report phase (narration alignment, xlsx generation, upload).
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/scenereport/worker/internal/audio"
	"github.com/scenereport/worker/internal/checkpoint"
	"github.com/scenereport/worker/internal/media"
	"github.com/scenereport/worker/internal/ocr"
	"github.com/scenereport/worker/internal/report"
	"github.com/scenereport/worker/internal/scene"
	"github.com/scenereport/worker/internal/shutdown"
	"github.com/scenereport/worker/internal/status"
	"github.com/scenereport/worker/internal/storage"
	"github.com/scenereport/worker/internal/taskqueue"
	"github.com/scenereport/worker/internal/transcribe"
)

// DefaultBatchSize is how many scenes one batch request handles.
const DefaultBatchSize = 100

// MaxBatchRetries is the task queue's retry budget per batch; the attempt
// after it marks the job failed.
const MaxBatchRetries = 3

// nextBatchDelay spaces consecutive batch tasks.
const nextBatchDelay = 2 * time.Second

// Request is a validated start-processing request.
type Request struct {
	UploadID      string
	R2Key         string
	FileName      string
	UserID        string
	DataConsent   bool
	DetectionMode scene.Mode
}

// MediaProber is the subset of media.FFmpeg the pipeline needs.
type MediaProber interface {
	Probe(ctx context.Context, path string) (media.Metadata, error)
	ExtractFrame(ctx context.Context, videoPath string, atSec float64, destPath string) error
}

// AudioProcessor is the subset of audio.FFmpegAudio the pipeline needs.
type AudioProcessor interface {
	Extract(ctx context.Context, videoPath, outDir string) (string, error)
	Preprocess(ctx context.Context, inPath, outDir string) (string, error)
	DecodePCM(ctx context.Context, inPath string) ([]int16, error)
}

// SceneDetector runs scene detection for one video.
type SceneDetector interface {
	Detect(ctx context.Context, videoPath string, durationSec float64, mode scene.Mode) ([]scene.Scene, error)
}

// Transcriber fans chunks out to the speech API.
type Transcriber interface {
	Run(ctx context.Context, audioPath, tmpDir string, chunks []audio.Chunk) []transcribe.TranscriptSegment
}

// SceneOCR produces the OCR text for one scene.
type SceneOCR interface {
	// Single runs OCR on one frame image.
	Single(ctx context.Context, image []byte) (ocr.Result, error)
	// Multi runs multi-frame OCR over a scene (enhanced mode).
	Multi(ctx context.Context, videoPath, tmpDir string, sc scene.Scene) (ocr.Result, error)
}

// Deps wires the pipeline's collaborators.
type Deps struct {
	Store       storage.ObjectStore
	Sink        storage.ResultSink
	Status      status.Store
	Checkpoints checkpoint.Store
	Queue       taskqueue.Queue
	Media       MediaProber
	Audio       AudioProcessor
	VAD         *audio.VAD
	Transcriber Transcriber
	OCR         SceneOCR
	Reports     *report.Generator
	Detector    SceneDetector
	Registry    *shutdown.Registry
}

// Pipeline executes jobs.
type Pipeline struct {
	deps       Deps
	tempDir    string
	batchSize  int
	production bool
	logger     *slog.Logger
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithBatchSize overrides the OCR batch size.
func WithBatchSize(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.batchSize = n
		}
	}
}

// WithTempDir sets the parent directory for per-job temp dirs.
func WithTempDir(dir string) Option {
	return func(p *Pipeline) {
		p.tempDir = dir
	}
}

// WithProduction selects the production status-write policy.
func WithProduction(production bool) Option {
	return func(p *Pipeline) {
		p.production = production
	}
}

// New creates a Pipeline.
func New(deps Deps, logger *slog.Logger, opts ...Option) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pipeline{
		deps:      deps,
		tempDir:   os.TempDir(),
		batchSize: DefaultBatchSize,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// jobTempDir creates the per-job temp directory.
func (p *Pipeline) jobTempDir(uploadID string) (string, error) {
	if err := os.MkdirAll(p.tempDir, 0750); err != nil {
		return "", fmt.Errorf("pipeline: create temp root: %w", err)
	}
	dir, err := os.MkdirTemp(p.tempDir, "job_"+uploadID+"_")
	if err != nil {
		return "", fmt.Errorf("pipeline: create temp dir: %w", err)
	}
	return dir, nil
}

// removeTempDir removes a per-job temp directory, logging on failure.
func (p *Pipeline) removeTempDir(uploadID, dir string) {
	if dir == "" {
		return
	}
	if err := os.RemoveAll(dir); err != nil {
		p.logger.Warn("temp dir cleanup failed",
			slog.String("upload_id", uploadID),
			slog.String("step", "cleanup"),
			slog.String("error", err.Error()),
		)
	}
}

// cleanupTerminal deletes the source object and the checkpoint. Runs on
// every terminal state, success or failure; a missing source object counts
// as success.
func (p *Pipeline) cleanupTerminal(uploadID, sourceKey string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if sourceKey != "" {
		if err := p.deps.Store.Delete(ctx, sourceKey); err != nil {
			p.logger.Warn("source object cleanup failed",
				slog.String("upload_id", uploadID),
				slog.String("step", "cleanup"),
				slog.String("key", sourceKey),
				slog.String("error", err.Error()),
			)
		}
	}
	if err := p.deps.Checkpoints.Delete(ctx, uploadID); err != nil {
		p.logger.Warn("checkpoint cleanup failed",
			slog.String("upload_id", uploadID),
			slog.String("step", "cleanup"),
			slog.String("error", err.Error()),
		)
	}
}

// failJob logs the cause, writes the user-readable failure, and cleans up.
func (p *Pipeline) failJob(writer *status.Writer, uploadID, sourceKey, step, message string, cause error) error {
	p.logger.Error("job failed",
		slog.String("upload_id", uploadID),
		slog.String("step", step),
		slog.String("error", cause.Error()),
	)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = writer.Fail(ctx, message)
	p.cleanupTerminal(uploadID, sourceKey)
	return fmt.Errorf("pipeline: %s: %w", step, cause)
}

// reportTitle derives the result title from the uploaded file name.
func reportTitle(fileName string) string {
	base := filepath.Base(fileName)
	if ext := filepath.Ext(base); ext != "" {
		base = strings.TrimSuffix(base, ext)
	}
	if base == "" || base == "." {
		base = "video_analysis"
	}
	return base
}

// managerOCR adapts the provider manager and multi-frame runner to SceneOCR.
type managerOCR struct {
	manager *ocr.Manager
	multi   *ocr.MultiFrame
}

// NewSceneOCR bundles the provider manager and multi-frame runner.
func NewSceneOCR(manager *ocr.Manager, multi *ocr.MultiFrame) SceneOCR {
	return &managerOCR{manager: manager, multi: multi}
}

func (m *managerOCR) Single(ctx context.Context, image []byte) (ocr.Result, error) {
	return m.manager.PerformOCR(ctx, image)
}

func (m *managerOCR) Multi(ctx context.Context, videoPath, tmpDir string, sc scene.Scene) (ocr.Result, error) {
	return m.multi.Run(ctx, videoPath, tmpDir, sc)
}
