// Package bootstrap provides dependency initialization for the worker.
package bootstrap

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/scenereport/worker/internal/audio"
	"github.com/scenereport/worker/internal/checkpoint"
	"github.com/scenereport/worker/internal/config"
	"github.com/scenereport/worker/internal/media"
	"github.com/scenereport/worker/internal/ocr"
	"github.com/scenereport/worker/internal/pipeline"
	"github.com/scenereport/worker/internal/quota"
	"github.com/scenereport/worker/internal/ratelimit"
	"github.com/scenereport/worker/internal/report"
	"github.com/scenereport/worker/internal/scene"
	"github.com/scenereport/worker/internal/server"
	"github.com/scenereport/worker/internal/shutdown"
	"github.com/scenereport/worker/internal/status"
	"github.com/scenereport/worker/internal/storage"
	"github.com/scenereport/worker/internal/taskqueue"
	"github.com/scenereport/worker/internal/transcribe"
)

// Dependencies holds all initialized dependencies for the HTTP server.
type Dependencies struct {
	Pipeline    *pipeline.Pipeline
	Statuses    status.Store
	Checkpoints checkpoint.Store
	Queue       taskqueue.Queue
	Quota       *quota.Client
	Results     storage.ResultSink
	Registry    *shutdown.Registry
}

// ServerDeps adapts the dependencies for server.NewHandlers.
func (d *Dependencies) ServerDeps() server.Deps {
	return server.Deps{
		Pipeline:    d.Pipeline,
		Statuses:    d.Statuses,
		Checkpoints: d.Checkpoints,
		Queue:       d.Queue,
		Quota:       d.Quota,
		Results:     d.Results,
	}
}

// NewDependencies creates and initializes all dependencies for the worker.
func NewDependencies(cfg *config.Config, logger *slog.Logger) (*Dependencies, error) {
	statuses, checkpoints, err := initStores(cfg, logger)
	if err != nil {
		return nil, err
	}

	store, sink, err := initStorage(cfg, logger)
	if err != nil {
		return nil, err
	}

	queue, err := initQueue(cfg, logger)
	if err != nil {
		return nil, err
	}

	ffmpeg := media.NewFFmpeg("", "")
	audioFFmpeg := audio.NewFFmpegAudio("")

	speechClient, err := transcribe.NewClient(cfg.SpeechAPIKey, transcribe.WithBaseURL(cfg.SpeechBaseURL))
	if err != nil {
		return nil, fmt.Errorf("create speech client: %w", err)
	}
	transcriber := transcribe.NewTranscriber(speechClient, audioFFmpeg, ratelimit.Speech(), logger)

	manager, err := ocr.NewDefaultManager(cfg.VisionAPIKey, logger, ocr.WithBaseURL(cfg.VisionBaseURL))
	if err != nil {
		return nil, fmt.Errorf("create OCR manager: %w", err)
	}
	multiFrame := ocr.NewMultiFrame(manager, ffmpeg, logger)

	registry := shutdown.NewRegistry()

	p := pipeline.New(pipeline.Deps{
		Store:       store,
		Sink:        sink,
		Status:      statuses,
		Checkpoints: checkpoints,
		Queue:       queue,
		Media:       ffmpeg,
		Audio:       audioFFmpeg,
		VAD:         audio.NewVAD(logger),
		Transcriber: transcriber,
		OCR:         pipeline.NewSceneOCR(manager, multiFrame),
		Reports:     report.NewGenerator(logger),
		Detector:    scene.NewDetector(ffmpeg, logger),
		Registry:    registry,
	}, logger,
		pipeline.WithBatchSize(cfg.BatchSize),
		pipeline.WithTempDir(cfg.TempDir),
		pipeline.WithProduction(cfg.Production()),
	)

	return &Dependencies{
		Pipeline:    p,
		Statuses:    statuses,
		Checkpoints: checkpoints,
		Queue:       queue,
		Quota:       quota.NewClient(cfg.QuotaServiceURL),
		Results:     sink,
		Registry:    registry,
	}, nil
}

// initStores creates the status and checkpoint stores. Production talks to
// the REST status service; development uses a local sqlite file for both.
func initStores(cfg *config.Config, logger *slog.Logger) (status.Store, checkpoint.Store, error) {
	if cfg.Production() {
		statuses, err := status.NewRESTStore(cfg.StatusStoreURL, cfg.StatusStoreKey)
		if err != nil {
			return nil, nil, fmt.Errorf("create REST status store: %w", err)
		}
		logger.Info("REST stores configured",
			slog.String("status_store_url", cfg.StatusStoreURL),
		)
		return statuses, checkpoint.NewRESTStore(cfg.StatusStoreURL, cfg.StatusStoreKey), nil
	}

	db, err := status.OpenSQLite(cfg.StatusStorePath)
	if err != nil {
		return nil, nil, fmt.Errorf("open sqlite store: %w", err)
	}
	checkpoints, err := checkpoint.NewSQLiteStore(db)
	if err != nil {
		return nil, nil, fmt.Errorf("create sqlite checkpoint store: %w", err)
	}
	logger.Info("sqlite stores configured",
		slog.String("path", cfg.StatusStorePath),
	)
	return status.NewSQLiteStore(db), checkpoints, nil
}

// initStorage creates the source object store and the result sink.
func initStorage(cfg *config.Config, logger *slog.Logger) (storage.ObjectStore, storage.ResultSink, error) {
	if cfg.Production() {
		store, err := storage.NewR2Store(storage.R2Config{
			Bucket:          cfg.R2Bucket,
			Endpoint:        cfg.R2Endpoint(),
			AccessKeyID:     cfg.R2AccessKeyID,
			SecretAccessKey: cfg.R2SecretAccessKey,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("create R2 store: %w", err)
		}
		logger.Info("R2 storage configured",
			slog.String("bucket", cfg.R2Bucket),
		)
		return store, storage.NewObjectSink(store), nil
	}

	store, err := storage.NewLocalStore(filepath.Join(cfg.TempDir, "objects"))
	if err != nil {
		return nil, nil, fmt.Errorf("create local store: %w", err)
	}
	sink, err := storage.NewFileSink(filepath.Join(cfg.TempDir, "results"))
	if err != nil {
		return nil, nil, fmt.Errorf("create file sink: %w", err)
	}
	logger.Info("local storage configured",
		slog.String("temp_dir", cfg.TempDir),
	)
	return store, sink, nil
}

// initQueue creates the task queue. Production uses Cloud Tasks; development
// uses an in-process loopback against the worker itself.
func initQueue(cfg *config.Config, logger *slog.Logger) (taskqueue.Queue, error) {
	if cfg.Production() {
		queue, err := taskqueue.NewCloudTasks(
			cfg.TasksProject,
			cfg.TasksLocation,
			cfg.TasksQueue,
			cfg.WorkerBaseURL,
			cfg.WorkerSecret,
		)
		if err != nil {
			return nil, fmt.Errorf("create Cloud Tasks queue: %w", err)
		}
		logger.Info("Cloud Tasks queue configured",
			slog.String("project", cfg.TasksProject),
			slog.String("location", cfg.TasksLocation),
			slog.String("queue", cfg.TasksQueue),
		)
		return queue, nil
	}

	queue, err := taskqueue.NewLoopback(cfg.WorkerBaseURL, cfg.WorkerSecret, logger)
	if err != nil {
		return nil, fmt.Errorf("create loopback queue: %w", err)
	}
	logger.Info("loopback queue configured",
		slog.String("worker_url", cfg.WorkerBaseURL),
	)
	return queue, nil
}
