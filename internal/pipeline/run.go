package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
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

// Overall progress waypoints. Download maps into [10, 20]; phase 1 ends at
// 45, phase 2 at 85, phase 3 at 100.
const (
	progressDownloadStart = 10
	progressDownloadEnd   = 20
	progressAudioExtract  = 25
	progressVAD           = 30
	progressTranscribing  = 35
	progressPhase1Done    = 45
	progressSceneDetect   = 47
	progressFrames        = 50
	progressOCRStart      = 50
	progressOCRDone       = 85
	progressNarration     = 87
	progressExcel         = 92
	progressUpload        = 97
)

// Run executes one job end to end inside the calling request. The HTTP
// connection stays open for the duration so the task queue treats a worker
// crash as a retryable failure.
func (p *Pipeline) Run(ctx context.Context, req Request) (err error) {
	writer := status.NewWriter(p.deps.Status, req.UploadID, p.logger, p.production)
	return p.run(ctx, writer, req)
}

func (p *Pipeline) run(ctx context.Context, writer *status.Writer, req Request) (err error) {
	deregister := p.deps.Registry.Register(req.UploadID, func(ctx context.Context, _ shutdown.ErrorCode, message string) {
		_ = writer.Fail(ctx, message)
	})
	defer deregister()

	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("pipeline panic",
				slog.String("upload_id", req.UploadID),
				slog.String("step", "pipeline"),
				slog.Any("error", r),
			)
			flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = writer.Fail(flushCtx, shutdown.Message(shutdown.CodeUncaughtException))
			p.cleanupTerminal(req.UploadID, req.R2Key)
			err = fmt.Errorf("pipeline: panic: %v", r)
		}
	}()

	tmpDir, err := p.jobTempDir(req.UploadID)
	if err != nil {
		return p.failJob(writer, req.UploadID, req.R2Key, "temp_dir",
			"Processing could not start. Please submit the video again.", err)
	}
	defer p.removeTempDir(req.UploadID, tmpDir)

	stopHeartbeat := writer.StartHeartbeat(ctx)
	defer stopHeartbeat()

	// Download.
	if err := writer.Update(ctx, status.Update{
		Status:   status.StatusDownloading,
		Stage:    status.StageDownloading,
		Progress: progressDownloadStart,
	}); err != nil {
		return err
	}
	p.saveCheckpoint(ctx, req.UploadID, checkpoint.StepDownload, 0, nil)

	videoPath := filepath.Join(tmpDir, "source.mp4")
	if err := p.deps.Store.Download(ctx, req.R2Key, videoPath, func(done, total int64) {
		_ = writer.Update(ctx, status.Update{Progress: downloadProgress(done, total)})
	}); err != nil {
		return p.failJob(writer, req.UploadID, req.R2Key, "download",
			"Your video could not be downloaded for processing. Please upload it again.", err)
	}

	// Metadata.
	if err := writer.Update(ctx, status.Update{
		Status:   status.StatusProcessing,
		Stage:    status.StageMetadata,
		Progress: progressDownloadEnd,
	}); err != nil {
		return err
	}
	meta, err := p.deps.Media.Probe(ctx, videoPath)
	if err != nil {
		return p.failJob(writer, req.UploadID, req.R2Key, "metadata",
			"Your video could not be read. Please check the file and upload it again.", err)
	}

	st := &resumeState{
		FileName:   req.FileName,
		UserID:     req.UserID,
		Mode:       req.DetectionMode,
		Meta:       meta,
		SceneTexts: make(map[int]string),
	}

	// Phase 1: audio.
	transcript, err := p.runAudioPhase(ctx, writer, req, videoPath, tmpDir, meta, st)
	if err != nil {
		return err
	}
	st.Transcript = transcript
	for _, seg := range transcript {
		st.TranscriptionChars += len(seg.Text)
	}

	// Phase 2: visual.
	if err := writer.Update(ctx, status.Update{
		Phase:       2,
		PhaseStatus: status.PhaseInProgress,
		Stage:       sceneStage(req.DetectionMode),
		Progress:    progressSceneDetect,
	}); err != nil {
		return err
	}
	p.saveCheckpoint(ctx, req.UploadID, checkpoint.StepSceneDetect, 0, st)

	scenes, err := p.deps.Detector.Detect(ctx, videoPath, meta.DurationSec, req.DetectionMode)
	if err != nil {
		if !errors.Is(err, scene.ErrNoScenes) {
			return p.failJob(writer, req.UploadID, req.R2Key, "scene_detection",
				"Your video could not be analyzed. Please try again.", err)
		}
		// Empty scene list is a step issue: the report still ships, with
		// zero scene rows and a warning.
		p.logger.Warn("no scenes detected",
			slog.String("upload_id", req.UploadID),
			slog.String("step", "scene_detection"),
			slog.String("error", err.Error()),
		)
		st.Warnings = append(st.Warnings, "No scene changes were detected; the report contains no scene rows.")
		scenes = nil
	}

	// Large jobs hand off to batch-chained execution and return; the task
	// queue drives the rest of the job.
	if len(scenes) > p.batchSize {
		return p.startBatched(ctx, writer, req, scenes, st)
	}

	if err := p.ocrInline(ctx, writer, req, videoPath, tmpDir, scenes, st); err != nil {
		return err
	}

	return p.finish(ctx, writer, finishArgs{
		uploadID:  req.UploadID,
		userID:    req.UserID,
		sourceKey: req.R2Key,
		fileName:  req.FileName,
		tmpDir:    tmpDir,
		videoPath: videoPath,
		scenes:    scenes,
		state:     st,
	})
}

// runAudioPhase runs extraction, VAD, and transcription fan-out. A missing
// audio stream skips the phase; extraction failure is job-fatal.
func (p *Pipeline) runAudioPhase(ctx context.Context, writer *status.Writer, req Request, videoPath, tmpDir string, meta media.Metadata, st *resumeState) ([]transcribe.TranscriptSegment, error) {
	if !meta.HasAudio {
		st.AudioSkipped = true
		if err := writer.Update(ctx, status.Update{
			Phase:       1,
			PhaseStatus: status.PhaseSkipped,
			Stage:       status.StageAudioSkipped,
			Progress:    progressPhase1Done,
		}); err != nil {
			return nil, err
		}
		p.logger.Info("no audio stream, skipping transcription",
			slog.String("upload_id", req.UploadID),
		)
		return nil, nil
	}

	if err := writer.Update(ctx, status.Update{
		Phase:       1,
		PhaseStatus: status.PhaseInProgress,
		Stage:       status.StageAudio,
		Progress:    progressAudioExtract,
	}); err != nil {
		return nil, err
	}
	p.saveCheckpoint(ctx, req.UploadID, checkpoint.StepAudio, 0, nil)

	audioPath, err := p.deps.Audio.Extract(ctx, videoPath, tmpDir)
	if err != nil {
		return nil, p.failJob(writer, req.UploadID, req.R2Key, "audio_extraction",
			"The audio track could not be processed. Please check the file and try again.", err)
	}

	// BGM suppression is best effort; on failure the raw extraction is used.
	cleanPath, err := p.deps.Audio.Preprocess(ctx, audioPath, tmpDir)
	if err != nil {
		p.logger.Warn("audio preprocessing failed, using unprocessed audio",
			slog.String("upload_id", req.UploadID),
			slog.String("step", "audio_preprocess"),
			slog.String("error", err.Error()),
		)
		cleanPath = audioPath
	}

	if err := writer.Update(ctx, status.Update{
		Stage:    status.StageVADWhisper,
		Progress: progressVAD,
	}); err != nil {
		return nil, err
	}

	samples, err := p.deps.Audio.DecodePCM(ctx, cleanPath)
	if err != nil {
		return nil, p.failJob(writer, req.UploadID, req.R2Key, "pcm_decode",
			"The audio track could not be processed. Please check the file and try again.", err)
	}

	vadResult := p.deps.VAD.Detect(samples, audio.SampleRate)
	chunks := audio.PackChunks(vadResult.Segments)
	if len(chunks) == 0 {
		if err := writer.Update(ctx, status.Update{
			PhaseStatus: status.PhaseCompleted,
			Progress:    progressPhase1Done,
		}); err != nil {
			return nil, err
		}
		return nil, nil
	}

	if err := writer.Update(ctx, status.Update{
		SubTask:  fmt.Sprintf("%d chunks", len(chunks)),
		Progress: progressTranscribing,
	}); err != nil {
		return nil, err
	}

	transcript := p.deps.Transcriber.Run(ctx, cleanPath, tmpDir, chunks)

	if err := writer.Update(ctx, status.Update{
		PhaseStatus: status.PhaseCompleted,
		Progress:    progressPhase1Done,
	}); err != nil {
		return nil, err
	}
	return transcript, nil
}

// downloadProgress maps bytes transferred into [10, 20].
func downloadProgress(done, total int64) int {
	if total <= 0 {
		return progressDownloadStart
	}
	frac := float64(done) / float64(total)
	if frac > 1 {
		frac = 1
	}
	return progressDownloadStart + int(math.Round(frac*float64(progressDownloadEnd-progressDownloadStart)))
}

// sceneStage picks the stage label for the detection pass.
func sceneStage(mode scene.Mode) status.Stage {
	if mode == scene.ModeEnhanced {
		return status.StageLuminanceDetection
	}
	return status.StageSceneDetection
}

// saveCheckpoint persists checkpoint progress. Failures are logged, not
// fatal: the checkpoint only widens the retry window.
func (p *Pipeline) saveCheckpoint(ctx context.Context, uploadID string, step checkpoint.Step, totalScenes int, st *resumeState) {
	cp := &checkpoint.Checkpoint{
		UploadID:    uploadID,
		CurrentStep: step,
		TotalScenes: totalScenes,
		UpdatedAt:   time.Now(),
		ExpiresAt:   time.Now().Add(checkpoint.TTL),
	}
	if st != nil {
		if err := encodeState(cp, st); err != nil {
			p.logger.Warn("checkpoint state encode failed",
				slog.String("upload_id", uploadID),
				slog.String("step", "checkpoint"),
				slog.String("error", err.Error()),
			)
		}
	}
	if err := p.deps.Checkpoints.Save(ctx, cp); err != nil {
		p.logger.Warn("checkpoint save failed",
			slog.String("upload_id", uploadID),
			slog.String("step", "checkpoint"),
			slog.String("error", err.Error()),
		)
	}
}

// ocrInline runs frame extraction and OCR for every scene within the
// current request.
func (p *Pipeline) ocrInline(ctx context.Context, writer *status.Writer, req Request, videoPath, tmpDir string, scenes []scene.Scene, st *resumeState) error {
	if len(scenes) == 0 {
		return nil
	}

	if err := writer.Update(ctx, status.Update{
		Stage:    status.StageFrameExtraction,
		Progress: progressFrames,
	}); err != nil {
		return err
	}

	for i := range scenes {
		framePath := filepath.Join(tmpDir, fmt.Sprintf("scene_%04d.png", scenes[i].Number))
		if err := p.deps.Media.ExtractFrame(ctx, videoPath, scenes[i].MidTime(), framePath); err != nil {
			return p.failJob(writer, req.UploadID, req.R2Key, "frame_extraction",
				"Your video could not be analyzed. Please try again.", err)
		}
		scenes[i].ScreenshotPath = framePath
	}

	ocrStage := status.StageOCRProcessing
	if req.DetectionMode == scene.ModeEnhanced {
		ocrStage = status.StageMultiFrameOCR
	}

	for i := range scenes {
		if err := writer.Update(ctx, status.Update{
			Stage:    ocrStage,
			SubTask:  fmt.Sprintf("scene %d/%d", i+1, len(scenes)),
			Progress: ocrProgress(i, len(scenes)),
		}); err != nil {
			return err
		}

		text, err := p.ocrScene(ctx, videoPath, tmpDir, scenes[i], req.DetectionMode)
		if err != nil {
			return p.failJob(writer, req.UploadID, req.R2Key, "ocr",
				"Text extraction failed. Please try again in a few minutes.", err)
		}
		st.SceneTexts[i] = text
	}

	if err := writer.Update(ctx, status.Update{
		Stage:    status.StageOCRCompleted,
		Progress: progressOCRDone,
	}); err != nil {
		return err
	}
	return nil
}

// ocrScene produces the OCR text for one scene. Unparseable responses are a
// step error absorbed into empty text; provider exhaustion is returned.
func (p *Pipeline) ocrScene(ctx context.Context, videoPath, tmpDir string, sc scene.Scene, mode scene.Mode) (string, error) {
	var result ocr.Result
	var err error

	if mode == scene.ModeEnhanced {
		result, err = p.deps.OCR.Multi(ctx, videoPath, tmpDir, sc)
	} else {
		image, readErr := os.ReadFile(sc.ScreenshotPath) // #nosec G304 - path is worker-generated
		if readErr != nil {
			return "", fmt.Errorf("read frame: %w", readErr)
		}
		result, err = p.deps.OCR.Single(ctx, image)
	}

	if err != nil {
		if errors.Is(err, ocr.ErrUnparseableResponse) || errors.Is(err, ocr.ErrEmptyResponse) {
			p.logger.Warn("ocr response unusable, recording empty text",
				slog.Int("scene_number", sc.Number),
				slog.String("step", "ocr"),
				slog.String("error", err.Error()),
			)
			return "", nil
		}
		return "", err
	}
	return result.Text, nil
}

// ocrProgress maps scene index into the phase-2 OCR band.
func ocrProgress(index, total int) int {
	if total <= 0 {
		return progressOCRStart
	}
	span := progressOCRDone - progressOCRStart
	return progressOCRStart + int(float64(index)/float64(total)*float64(span))
}

// startBatched persists the checkpoint and hands the job to the task queue.
func (p *Pipeline) startBatched(ctx context.Context, writer *status.Writer, req Request, scenes []scene.Scene, st *resumeState) error {
	totalScenes := len(scenes)
	totalBatches := (totalScenes + p.batchSize - 1) / p.batchSize

	cp := &checkpoint.Checkpoint{
		UploadID:    req.UploadID,
		CurrentStep: checkpoint.StepOCR,
		TotalScenes: totalScenes,
		UpdatedAt:   time.Now(),
		ExpiresAt:   time.Now().Add(checkpoint.TTL),
	}
	if err := encodeState(cp, st); err != nil {
		return p.failJob(writer, req.UploadID, req.R2Key, "batch_checkpoint",
			"Processing could not continue. Please try again.", err)
	}
	if err := p.deps.Checkpoints.Save(ctx, cp); err != nil {
		return p.failJob(writer, req.UploadID, req.R2Key, "batch_checkpoint",
			"Processing could not continue. Please try again.", err)
	}

	if err := writer.Update(ctx, status.Update{
		Stage:   status.StageBatchProcessing,
		SubTask: fmt.Sprintf("batch 0/%d", totalBatches),
	}); err != nil {
		return err
	}

	task := taskqueue.BatchTask{
		UploadID:        req.UploadID,
		UserID:          req.UserID,
		BatchIndex:      0,
		TotalBatches:    totalBatches,
		BatchSize:       p.batchSize,
		StartSceneIndex: 0,
		EndSceneIndex:   minInt(p.batchSize, totalScenes),
		VideoKey:        req.R2Key,
		VideoDuration:   st.Meta.DurationSec,
		IsLastBatch:     totalBatches == 1,
	}
	if err := p.deps.Queue.EnqueueBatch(ctx, task, 0); err != nil {
		return p.failJob(writer, req.UploadID, req.R2Key, "batch_enqueue",
			"Processing could not continue. Please try again.", err)
	}

	p.logger.Info("job handed off to batch chain",
		slog.String("upload_id", req.UploadID),
		slog.Int("total_scenes", totalScenes),
		slog.Int("total_batches", totalBatches),
	)
	return nil
}

// finishArgs carries the inputs of the final report phase.
type finishArgs struct {
	uploadID  string
	userID    string
	sourceKey string
	fileName  string
	tmpDir    string
	videoPath string
	scenes    []scene.Scene
	state     *resumeState
}

// finish runs phase 3: overlay filtering, narration alignment, report
// generation, upload, and the completion write.
func (p *Pipeline) finish(ctx context.Context, writer *status.Writer, args finishArgs) error {
	st := args.state

	// Attach OCR text in scene order, then subtract persistent overlays.
	texts := make([]string, len(args.scenes))
	for i := range args.scenes {
		texts[i] = st.SceneTexts[i]
	}
	filtered, removed := ocr.FilterPersistentOverlays(texts)
	for i := range args.scenes {
		args.scenes[i].OCRText = filtered[i]
	}
	if len(removed) > 0 {
		p.logger.Info("persistent overlays removed",
			slog.String("upload_id", args.uploadID),
			slog.Int("line_count", len(removed)),
		)
	}

	if err := writer.Update(ctx, status.Update{
		Phase:       3,
		PhaseStatus: status.PhaseInProgress,
		Stage:       status.StageNarrationMapping,
		Progress:    progressNarration,
	}); err != nil {
		return err
	}
	report.AlignNarration(args.scenes, st.Transcript)

	if err := writer.Update(ctx, status.Update{
		Stage:    status.StageExcelGeneration,
		Progress: progressExcel,
	}); err != nil {
		return err
	}
	p.saveCheckpoint(ctx, args.uploadID, checkpoint.StepExcel, len(args.scenes), st)

	ocrCount := 0
	narrationCount := 0
	for _, sc := range args.scenes {
		if sc.OCRText != "" {
			ocrCount++
		}
	}

	xlsxPath := filepath.Join(args.tmpDir, "report.xlsx")
	data := report.Data{
		Scenes:             args.scenes,
		Metadata:           st.Meta,
		Mode:               st.Mode,
		SegmentCount:       len(st.Transcript),
		TranscriptionChars: st.TranscriptionChars,
		Warnings:           st.Warnings,
	}
	if err := p.deps.Reports.Generate(data, xlsxPath); err != nil {
		return p.failJob(writer, args.uploadID, args.sourceKey, "excel_generation",
			"The report could not be generated. Please try again.", err)
	}
	for _, sc := range args.scenes {
		if sc.NarrationText != "" {
			narrationCount++
		}
	}

	if err := writer.Update(ctx, status.Update{
		Stage:    status.StageUploadResult,
		Progress: progressUpload,
	}); err != nil {
		return err
	}

	f, err := os.Open(xlsxPath) // #nosec G304 - path is worker-generated
	if err != nil {
		return p.failJob(writer, args.uploadID, args.sourceKey, "upload_result",
			"The report could not be saved. Please try again.", err)
	}
	resultKey := storage.ResultKey(args.userID, args.uploadID, reportTitle(args.fileName), time.Now())
	storedKey, err := p.deps.Sink.Put(ctx, resultKey, f)
	_ = f.Close()
	if err != nil {
		return p.failJob(writer, args.uploadID, args.sourceKey, "upload_result",
			"The report could not be saved. Please try again.", err)
	}

	meta := &status.Metadata{
		DurationSec:              st.Meta.DurationSec,
		SegmentCount:             len(st.Transcript),
		OCRResultCount:           ocrCount,
		TranscriptionLengthChars: st.TranscriptionChars,
		TotalScenes:              len(args.scenes),
		ScenesWithOCR:            ocrCount,
		ScenesWithNarration:      narrationCount,
		DetectionMode:            string(st.Mode),
		ResultR2Key:              storedKey,
	}
	if err := writer.Complete(ctx, storedKey, meta); err != nil {
		return p.failJob(writer, args.uploadID, args.sourceKey, "complete",
			"Processing finished but its status could not be saved. Please try again.", err)
	}

	p.cleanupTerminal(args.uploadID, args.sourceKey)
	p.logger.Info("job completed",
		slog.String("upload_id", args.uploadID),
		slog.Int("total_scenes", len(args.scenes)),
		slog.Int("segment_count", len(st.Transcript)),
		slog.String("result_key", storedKey),
	)
	return nil
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
