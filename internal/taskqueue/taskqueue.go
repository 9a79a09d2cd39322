// Package taskqueue enqueues delayed HTTP callbacks that chain OCR batches.
// Production uses Cloud Tasks; development uses an in-process loopback.
package taskqueue

import (
	"context"
	"time"
)

// ProcessTask is the payload dispatched to /process-task when intake
// accepts a job.
type ProcessTask struct {
	UploadID      string `json:"upload_id"`
	R2Key         string `json:"r2_key"`
	FileName      string `json:"file_name"`
	UserID        string `json:"user_id"`
	DataConsent   bool   `json:"data_consent"`
	DetectionMode string `json:"detection_mode,omitempty"`
}

// BatchTask is the payload of one OCR continuation callback.
type BatchTask struct {
	UploadID        string  `json:"upload_id"`
	UserID          string  `json:"user_id"`
	BatchIndex      int     `json:"batch_index"`
	TotalBatches    int     `json:"total_batches"`
	BatchSize       int     `json:"batch_size"`
	StartSceneIndex int     `json:"start_scene_index"`
	EndSceneIndex   int     `json:"end_scene_index"`
	VideoKey        string  `json:"video_key"`
	VideoDuration   float64 `json:"video_duration"`
	IsLastBatch     bool    `json:"is_last_batch"`
}

// Queue hands work to the worker durably: process tasks at intake, batch
// tasks at each OCR batch boundary.
type Queue interface {
	// EnqueueProcess dispatches a job to /process-task and returns the
	// created task identifier.
	EnqueueProcess(ctx context.Context, task ProcessTask) (string, error)

	// EnqueueBatch delivers a BatchTask to /process-ocr-batch after delay.
	EnqueueBatch(ctx context.Context, task BatchTask, delay time.Duration) error
}
