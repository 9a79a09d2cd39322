package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/scenereport/worker/internal/checkpoint"
	"github.com/scenereport/worker/internal/scene"
	"github.com/scenereport/worker/internal/shutdown"
	"github.com/scenereport/worker/internal/status"
	"github.com/scenereport/worker/internal/taskqueue"
)

// Batched progress band: batch completions map into [25, 89]; phase 3 takes
// over from there.
const (
	batchProgressBase = 25
	batchProgressSpan = 65
	batchProgressCap  = 89
)

// RunBatch processes one OCR batch delivered by the task queue. retryCount
// is the queue's delivery attempt counter; exhausting the retry budget
// marks the job failed. A non-nil return means the queue should retry.
func (p *Pipeline) RunBatch(ctx context.Context, task taskqueue.BatchTask, retryCount int) error {
	log := p.logger.With(
		slog.String("upload_id", task.UploadID),
		slog.Int("batch_index", task.BatchIndex),
	)

	cp, err := p.deps.Checkpoints.Get(ctx, task.UploadID)
	if err != nil {
		return fmt.Errorf("pipeline: load checkpoint: %w", err)
	}
	st, err := decodeState(cp)
	if err != nil {
		return err
	}

	writer, err := p.resumeWriter(ctx, task.UploadID)
	if err != nil {
		return err
	}

	// The attempt after the retry budget is the end of the road.
	if retryCount > MaxBatchRetries {
		log.Error("batch retry budget exhausted",
			slog.Int("retry_count", retryCount),
		)
		flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = writer.Fail(flushCtx, fmt.Sprintf(
			"Processing failed repeatedly on batch %d. Please submit the video again.", task.BatchIndex))
		p.cleanupTerminal(task.UploadID, task.VideoKey)
		return nil
	}

	deregister := p.deps.Registry.Register(task.UploadID, func(ctx context.Context, _ shutdown.ErrorCode, message string) {
		_ = writer.Fail(ctx, message)
	})
	defer deregister()

	stopHeartbeat := writer.StartHeartbeat(ctx)
	defer stopHeartbeat()

	tmpDir, err := p.jobTempDir(task.UploadID)
	if err != nil {
		return err
	}
	defer p.removeTempDir(task.UploadID, tmpDir)

	// Every batch request starts from the durable source object.
	videoPath := filepath.Join(tmpDir, "source.mp4")
	if err := p.deps.Store.Download(ctx, task.VideoKey, videoPath, nil); err != nil {
		return fmt.Errorf("pipeline: batch download: %w", err)
	}

	// Detection is deterministic, so re-running it reproduces the same
	// scene list every batch sees.
	scenes, err := p.deps.Detector.Detect(ctx, videoPath, task.VideoDuration, st.Mode)
	if err != nil && !errors.Is(err, scene.ErrNoScenes) {
		return fmt.Errorf("pipeline: batch scene detection: %w", err)
	}
	if len(scenes) != cp.TotalScenes {
		log.Warn("scene count drifted from checkpoint",
			slog.Int("detected", len(scenes)),
			slog.Int("checkpointed", cp.TotalScenes),
		)
	}

	if err := writer.Update(ctx, status.Update{
		Status:  status.StatusProcessing,
		Stage:   status.StageBatchProcessing,
		SubTask: fmt.Sprintf("batch %d/%d", task.BatchIndex+1, task.TotalBatches),
	}); err != nil {
		return err
	}

	completed, err := p.ocrBatchRange(ctx, task, cp, st, scenes, videoPath, tmpDir)
	if err != nil {
		return err
	}

	cp.MarkScenes(completed)
	cp.CurrentStep = checkpoint.StepOCR
	cp.RetryCount = retryCount
	cp.UpdatedAt = time.Now()
	cp.ExpiresAt = time.Now().Add(checkpoint.TTL)
	if err := encodeState(cp, st); err != nil {
		return err
	}
	if err := p.deps.Checkpoints.Save(ctx, cp); err != nil {
		return fmt.Errorf("pipeline: save checkpoint: %w", err)
	}

	if err := writer.Update(ctx, status.Update{
		Progress: batchProgress(task.BatchIndex, task.TotalBatches),
	}); err != nil {
		return err
	}
	log.Info("batch completed",
		slog.Int("scenes_completed", len(completed)),
		slog.Bool("is_last", task.IsLastBatch),
	)

	if !task.IsLastBatch {
		next := nextBatchTask(task, cp.TotalScenes)
		if err := p.deps.Queue.EnqueueBatch(ctx, next, nextBatchDelay); err != nil {
			return fmt.Errorf("pipeline: enqueue next batch: %w", err)
		}
		return nil
	}

	// Last batch: the report still needs screenshots for every scene.
	for i := range scenes {
		framePath := filepath.Join(tmpDir, fmt.Sprintf("scene_%04d.png", scenes[i].Number))
		if err := p.deps.Media.ExtractFrame(ctx, videoPath, scenes[i].MidTime(), framePath); err != nil {
			return fmt.Errorf("pipeline: final frame extraction: %w", err)
		}
		scenes[i].ScreenshotPath = framePath
	}

	return p.finish(ctx, writer, finishArgs{
		uploadID:  task.UploadID,
		userID:    task.UserID,
		sourceKey: task.VideoKey,
		fileName:  st.FileName,
		tmpDir:    tmpDir,
		videoPath: videoPath,
		scenes:    scenes,
		state:     st,
	})
}

// ocrBatchRange OCRs the scenes in the task's index range, skipping indices
// the checkpoint already records. Returns the indices completed here.
func (p *Pipeline) ocrBatchRange(ctx context.Context, task taskqueue.BatchTask, cp *checkpoint.Checkpoint, st *resumeState, scenes []scene.Scene, videoPath, tmpDir string) ([]int, error) {
	end := minInt(task.EndSceneIndex, len(scenes))
	var completed []int

	for idx := task.StartSceneIndex; idx < end; idx++ {
		if cp.HasScene(idx) {
			completed = append(completed, idx)
			continue
		}

		sc := scenes[idx]
		framePath := filepath.Join(tmpDir, fmt.Sprintf("scene_%04d.png", sc.Number))
		if err := p.deps.Media.ExtractFrame(ctx, videoPath, sc.MidTime(), framePath); err != nil {
			return nil, fmt.Errorf("pipeline: batch frame extraction scene %d: %w", sc.Number, err)
		}
		sc.ScreenshotPath = framePath

		text, err := p.ocrScene(ctx, videoPath, tmpDir, sc, st.Mode)
		if err != nil {
			return nil, fmt.Errorf("pipeline: batch ocr scene %d: %w", sc.Number, err)
		}
		st.SceneTexts[idx] = text
		completed = append(completed, idx)
	}
	return completed, nil
}

// resumeWriter loads the current status row into a Writer. A missing row
// (possible if the first request died before its first write) starts fresh.
func (p *Pipeline) resumeWriter(ctx context.Context, uploadID string) (*status.Writer, error) {
	row, err := p.deps.Status.Get(ctx, uploadID)
	if err != nil {
		if errors.Is(err, status.ErrNotFound) {
			return status.NewWriter(p.deps.Status, uploadID, p.logger, p.production), nil
		}
		return nil, fmt.Errorf("pipeline: load status: %w", err)
	}
	return status.NewResumedWriter(p.deps.Status, *row, p.logger, p.production), nil
}

// batchProgress maps a completed batch index into [25, 89].
func batchProgress(batchIndex, totalBatches int) int {
	if totalBatches <= 0 {
		return batchProgressBase
	}
	progress := batchProgressBase + (batchIndex+1)*batchProgressSpan/totalBatches
	if progress > batchProgressCap {
		progress = batchProgressCap
	}
	return progress
}

// nextBatchTask derives the continuation task for the following index range.
func nextBatchTask(task taskqueue.BatchTask, totalScenes int) taskqueue.BatchTask {
	next := task
	next.BatchIndex = task.BatchIndex + 1
	next.StartSceneIndex = next.BatchIndex * task.BatchSize
	next.EndSceneIndex = minInt(next.StartSceneIndex+task.BatchSize, totalScenes)
	next.IsLastBatch = next.BatchIndex == task.TotalBatches-1
	return next
}
