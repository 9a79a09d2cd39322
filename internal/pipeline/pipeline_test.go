package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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

type memObjectStore struct {
	mu          sync.Mutex
	downloadErr error
	deleted     []string
}

func (s *memObjectStore) Download(_ context.Context, _, destPath string, progress storage.ProgressFunc) error {
	if s.downloadErr != nil {
		return s.downloadErr
	}
	if progress != nil {
		progress(50, 100)
		progress(100, 100)
	}
	return os.WriteFile(destPath, []byte("video-bytes"), 0600)
}

func (s *memObjectStore) Upload(context.Context, string, string, io.Reader) error { return nil }

func (s *memObjectStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted = append(s.deleted, key)
	return nil
}

func (s *memObjectStore) deletedKeys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.deleted...)
}

type memSink struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (s *memSink) Put(_ context.Context, key string, data io.Reader) (string, error) {
	b, err := io.ReadAll(data)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.objects == nil {
		s.objects = map[string][]byte{}
	}
	s.objects[key] = b
	return key, nil
}

func (s *memSink) Open(context.Context, string) (io.ReadCloser, error) {
	return nil, storage.ErrResultNotFound
}

type memStatusStore struct {
	mu   sync.Mutex
	rows map[string]*status.JobStatus
}

func newMemStatusStore() *memStatusStore {
	return &memStatusStore{rows: map[string]*status.JobStatus{}}
}

func (m *memStatusStore) Upsert(_ context.Context, s *status.JobStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.rows[s.UploadID] = &cp
	return nil
}

func (m *memStatusStore) Get(_ context.Context, uploadID string) (*status.JobStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[uploadID]
	if !ok {
		return nil, status.ErrNotFound
	}
	cp := *row
	return &cp, nil
}

func (m *memStatusStore) Touch(_ context.Context, uploadID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[uploadID]
	if !ok {
		return status.ErrNotFound
	}
	row.UpdatedAt = at
	return nil
}

type memCheckpointStore struct {
	mu   sync.Mutex
	rows map[string]*checkpoint.Checkpoint
}

func newMemCheckpointStore() *memCheckpointStore {
	return &memCheckpointStore{rows: map[string]*checkpoint.Checkpoint{}}
}

func (m *memCheckpointStore) Save(_ context.Context, c *checkpoint.Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	m.rows[c.UploadID] = &cp
	return nil
}

func (m *memCheckpointStore) Get(_ context.Context, uploadID string) (*checkpoint.Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[uploadID]
	if !ok {
		return nil, checkpoint.ErrNotFound
	}
	cp := *row
	return &cp, nil
}

func (m *memCheckpointStore) Delete(_ context.Context, uploadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rows, uploadID)
	return nil
}

func (m *memCheckpointStore) DeleteExpired(context.Context, time.Time) (int, error) { return 0, nil }

type recordQueue struct {
	mu      sync.Mutex
	batches []taskqueue.BatchTask
}

func (q *recordQueue) EnqueueProcess(context.Context, taskqueue.ProcessTask) (string, error) {
	return "tasks/t-1", nil
}

func (q *recordQueue) EnqueueBatch(_ context.Context, task taskqueue.BatchTask, _ time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.batches = append(q.batches, task)
	return nil
}

func (q *recordQueue) batchTasks() []taskqueue.BatchTask {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]taskqueue.BatchTask(nil), q.batches...)
}

type fakeProber struct {
	meta     media.Metadata
	probeErr error
}

func (f *fakeProber) Probe(context.Context, string) (media.Metadata, error) {
	return f.meta, f.probeErr
}

func (f *fakeProber) ExtractFrame(_ context.Context, _ string, _ float64, destPath string) error {
	return os.WriteFile(destPath, []byte("frame-png"), 0600)
}

type fakeAudioProcessor struct {
	samples []int16
}

func (f *fakeAudioProcessor) Extract(_ context.Context, _, outDir string) (string, error) {
	path := outDir + "/audio.mp3"
	return path, os.WriteFile(path, []byte("mp3"), 0600)
}

func (f *fakeAudioProcessor) Preprocess(_ context.Context, inPath, _ string) (string, error) {
	return inPath, nil
}

func (f *fakeAudioProcessor) DecodePCM(context.Context, string) ([]int16, error) {
	return f.samples, nil
}

type fakeTranscriber struct {
	segments []transcribe.TranscriptSegment
}

func (f *fakeTranscriber) Run(context.Context, string, string, []audio.Chunk) []transcribe.TranscriptSegment {
	return f.segments
}

type fakeDetector struct {
	scenes []scene.Scene
	err    error
}

func (f *fakeDetector) Detect(context.Context, string, float64, scene.Mode) ([]scene.Scene, error) {
	return f.scenes, f.err
}

type fakeSceneOCR struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeSceneOCR) Single(context.Context, []byte) (ocr.Result, error) {
	return f.next()
}

func (f *fakeSceneOCR) Multi(context.Context, string, string, scene.Scene) (ocr.Result, error) {
	return f.next()
}

func (f *fakeSceneOCR) next() (ocr.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return ocr.Result{}, f.err
	}
	f.calls++
	return ocr.Result{Text: fmt.Sprintf("caption %d", f.calls), Confidence: 0.9}, nil
}

type pipelineFixture struct {
	pipeline *Pipeline
	store    *memObjectStore
	sink     *memSink
	statuses *memStatusStore
	checks   *memCheckpointStore
	queue    *recordQueue
	detector *fakeDetector
	ocr      *fakeSceneOCR
	audio    *fakeAudioProcessor
	prober   *fakeProber
}

func testScenes(n int, durationSec float64) []scene.Scene {
	scenes := make([]scene.Scene, n)
	step := durationSec / float64(n)
	for i := range scenes {
		scenes[i] = scene.Scene{
			Number:     i + 1,
			StartTime:  float64(i) * step,
			EndTime:    float64(i+1) * step,
			Confidence: 0.8,
		}
	}
	return scenes
}

func newPipelineFixture(t *testing.T, opts ...Option) *pipelineFixture {
	t.Helper()
	f := &pipelineFixture{
		store:    &memObjectStore{},
		sink:     &memSink{},
		statuses: newMemStatusStore(),
		checks:   newMemCheckpointStore(),
		queue:    &recordQueue{},
		detector: &fakeDetector{scenes: testScenes(2, 30)},
		ocr:      &fakeSceneOCR{},
		audio:    &fakeAudioProcessor{},
		prober: &fakeProber{meta: media.Metadata{
			DurationSec: 30,
			Width:       1920,
			Height:      1080,
			AspectRatio: 16.0 / 9.0,
		}},
	}
	opts = append([]Option{WithTempDir(t.TempDir())}, opts...)
	f.pipeline = New(Deps{
		Store:       f.store,
		Sink:        f.sink,
		Status:      f.statuses,
		Checkpoints: f.checks,
		Queue:       f.queue,
		Media:       f.prober,
		Audio:       f.audio,
		VAD:         audio.NewVAD(slog.Default()),
		Transcriber: &fakeTranscriber{},
		OCR:         f.ocr,
		Reports:     report.NewGenerator(nil),
		Detector:    f.detector,
		Registry:    shutdown.NewRegistry(),
	}, slog.Default(), opts...)
	return f
}

func testRequest() Request {
	return Request{
		UploadID:      "up-1",
		R2Key:         "uploads/user-1/up-1/source.mp4",
		FileName:      "movie.mp4",
		UserID:        "user-1",
		DataConsent:   true,
		DetectionMode: scene.ModeStandard,
	}
}

func TestRunCompletesSilentVideo(t *testing.T) {
	f := newPipelineFixture(t)
	require.NoError(t, f.pipeline.Run(context.Background(), testRequest()))

	row, err := f.statuses.Get(context.Background(), "up-1")
	require.NoError(t, err)
	assert.Equal(t, status.StatusCompleted, row.Status)
	assert.Equal(t, 100, row.Progress)
	assert.Contains(t, row.ResultKey, "results/user-1/up-1/movie_")

	require.NotNil(t, row.Metadata)
	assert.Equal(t, 2, row.Metadata.TotalScenes)
	assert.Equal(t, 2, row.Metadata.ScenesWithOCR)
	assert.Zero(t, row.Metadata.SegmentCount)

	f.sink.mu.Lock()
	_, stored := f.sink.objects[row.ResultKey]
	f.sink.mu.Unlock()
	assert.True(t, stored, "report artifact must be in the sink")

	// Terminal cleanup removes the source object and the checkpoint.
	assert.Contains(t, f.store.deletedKeys(), "uploads/user-1/up-1/source.mp4")
	_, err = f.checks.Get(context.Background(), "up-1")
	assert.ErrorIs(t, err, checkpoint.ErrNotFound)
}

func TestRunTranscribesAudio(t *testing.T) {
	f := newPipelineFixture(t)
	f.prober.meta.HasAudio = true

	// One second of clear speech inside three seconds of silence.
	samples := make([]int16, 3*audio.SampleRate)
	for i := audio.SampleRate; i < 2*audio.SampleRate; i++ {
		samples[i] = 8000
	}
	f.audio.samples = samples
	f.pipeline.deps.Transcriber = &fakeTranscriber{segments: []transcribe.TranscriptSegment{
		{Timestamp: 1.2, Duration: 0.8, Text: "ナレーションです", Confidence: 0.93},
	}}

	require.NoError(t, f.pipeline.Run(context.Background(), testRequest()))

	row, err := f.statuses.Get(context.Background(), "up-1")
	require.NoError(t, err)
	require.NotNil(t, row.Metadata)
	assert.Equal(t, 1, row.Metadata.SegmentCount)
	assert.Equal(t, len("ナレーションです"), row.Metadata.TranscriptionLengthChars)
	assert.Equal(t, 1, row.Metadata.ScenesWithNarration)
}

func TestRunShipsReportWithoutScenes(t *testing.T) {
	f := newPipelineFixture(t)
	f.detector.scenes = nil
	f.detector.err = scene.ErrNoScenes

	require.NoError(t, f.pipeline.Run(context.Background(), testRequest()))

	row, err := f.statuses.Get(context.Background(), "up-1")
	require.NoError(t, err)
	assert.Equal(t, status.StatusCompleted, row.Status)
	assert.Zero(t, row.Metadata.TotalScenes)
}

func TestRunDownloadFailure(t *testing.T) {
	f := newPipelineFixture(t)
	f.store.downloadErr = errors.New("object gone")

	err := f.pipeline.Run(context.Background(), testRequest())
	require.Error(t, err)

	row, getErr := f.statuses.Get(context.Background(), "up-1")
	require.NoError(t, getErr)
	assert.Equal(t, status.StatusError, row.Status)
	assert.Equal(t, "Your video could not be downloaded for processing. Please upload it again.", row.Error)
	assert.Contains(t, f.store.deletedKeys(), "uploads/user-1/up-1/source.mp4")
}

func TestRunHandsOffLargeJobs(t *testing.T) {
	f := newPipelineFixture(t, WithBatchSize(2))
	f.detector.scenes = testScenes(3, 30)

	require.NoError(t, f.pipeline.Run(context.Background(), testRequest()))

	tasks := f.queue.batchTasks()
	require.Len(t, tasks, 1)
	assert.Equal(t, 0, tasks[0].BatchIndex)
	assert.Equal(t, 2, tasks[0].TotalBatches)
	assert.Equal(t, 0, tasks[0].StartSceneIndex)
	assert.Equal(t, 2, tasks[0].EndSceneIndex)
	assert.False(t, tasks[0].IsLastBatch)

	cp, err := f.checks.Get(context.Background(), "up-1")
	require.NoError(t, err)
	assert.Equal(t, checkpoint.StepOCR, cp.CurrentStep)
	assert.Equal(t, 3, cp.TotalScenes)
	assert.NotEmpty(t, cp.State)

	row, err := f.statuses.Get(context.Background(), "up-1")
	require.NoError(t, err)
	assert.False(t, row.Status.IsTerminal())
	assert.Equal(t, status.StageBatchProcessing, row.Stage)
}

func TestRunBatchChain(t *testing.T) {
	f := newPipelineFixture(t, WithBatchSize(2))
	f.detector.scenes = testScenes(3, 30)

	// Simulate the handoff the first request performed.
	require.NoError(t, f.pipeline.Run(context.Background(), testRequest()))
	tasks := f.queue.batchTasks()
	require.Len(t, tasks, 1)

	require.NoError(t, f.pipeline.RunBatch(context.Background(), tasks[0], 0))

	cp, err := f.checks.Get(context.Background(), "up-1")
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, cp.CompletedOCRScenes)

	tasks = f.queue.batchTasks()
	require.Len(t, tasks, 2)
	next := tasks[1]
	assert.Equal(t, 1, next.BatchIndex)
	assert.Equal(t, 2, next.StartSceneIndex)
	assert.Equal(t, 3, next.EndSceneIndex)
	assert.True(t, next.IsLastBatch)

	require.NoError(t, f.pipeline.RunBatch(context.Background(), next, 0))

	row, err := f.statuses.Get(context.Background(), "up-1")
	require.NoError(t, err)
	assert.Equal(t, status.StatusCompleted, row.Status)
	assert.Equal(t, 3, row.Metadata.TotalScenes)

	_, err = f.checks.Get(context.Background(), "up-1")
	assert.ErrorIs(t, err, checkpoint.ErrNotFound)
}

func TestRunBatchRetryBudgetExhausted(t *testing.T) {
	f := newPipelineFixture(t, WithBatchSize(2))
	f.detector.scenes = testScenes(3, 30)
	require.NoError(t, f.pipeline.Run(context.Background(), testRequest()))
	tasks := f.queue.batchTasks()
	require.Len(t, tasks, 1)

	// A 200 response stops the queue's redelivery loop.
	require.NoError(t, f.pipeline.RunBatch(context.Background(), tasks[0], MaxBatchRetries+1))

	row, err := f.statuses.Get(context.Background(), "up-1")
	require.NoError(t, err)
	assert.Equal(t, status.StatusError, row.Status)
	assert.Contains(t, row.Error, "batch 0")

	_, err = f.checks.Get(context.Background(), "up-1")
	assert.ErrorIs(t, err, checkpoint.ErrNotFound)
}

func TestBatchProgress(t *testing.T) {
	assert.Equal(t, 41, batchProgress(0, 4))
	assert.Equal(t, 57, batchProgress(1, 4))
	// The last batch would land at 90; the cap holds phase 3's headroom.
	assert.Equal(t, 89, batchProgress(3, 4))
	assert.Equal(t, 25, batchProgress(0, 0))
}

func TestNextBatchTask(t *testing.T) {
	task := taskqueue.BatchTask{
		UploadID:        "up-1",
		BatchIndex:      0,
		TotalBatches:    3,
		BatchSize:       100,
		StartSceneIndex: 0,
		EndSceneIndex:   100,
	}

	next := nextBatchTask(task, 250)
	assert.Equal(t, 1, next.BatchIndex)
	assert.Equal(t, 100, next.StartSceneIndex)
	assert.Equal(t, 200, next.EndSceneIndex)
	assert.False(t, next.IsLastBatch)

	last := nextBatchTask(next, 250)
	assert.Equal(t, 2, last.BatchIndex)
	assert.Equal(t, 200, last.StartSceneIndex)
	assert.Equal(t, 250, last.EndSceneIndex)
	assert.True(t, last.IsLastBatch)
}

func TestReportTitle(t *testing.T) {
	assert.Equal(t, "movie", reportTitle("movie.mp4"))
	assert.Equal(t, "movie.final", reportTitle("dir/movie.final.mp4"))
	assert.Equal(t, "video_analysis", reportTitle(""))
}

func TestDownloadProgress(t *testing.T) {
	assert.Equal(t, 10, downloadProgress(0, 100))
	assert.Equal(t, 15, downloadProgress(50, 100))
	assert.Equal(t, 20, downloadProgress(100, 100))
	assert.Equal(t, 20, downloadProgress(150, 100))
	assert.Equal(t, 10, downloadProgress(50, 0))
}

func TestOCRProgress(t *testing.T) {
	assert.Equal(t, 50, ocrProgress(0, 10))
	assert.Equal(t, 67, ocrProgress(5, 10))
	assert.Equal(t, 50, ocrProgress(0, 0))
}

func TestSceneStage(t *testing.T) {
	assert.Equal(t, status.StageSceneDetection, sceneStage(scene.ModeStandard))
	assert.Equal(t, status.StageLuminanceDetection, sceneStage(scene.ModeEnhanced))
}
