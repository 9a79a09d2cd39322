// Package checkpoint provides the durable per-job OCR checkpoint used to
// resume batch-chained processing after a worker restart or a task retry.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"
)

// ErrNotFound is returned when no checkpoint exists for an upload ID.
var ErrNotFound = errors.New("checkpoint: not found")

// Step identifies the pipeline step the checkpoint was last updated in.
type Step string

const (
	StepDownload    Step = "download"
	StepAudio       Step = "audio"
	StepSceneDetect Step = "scene_detect"
	StepOCR         Step = "ocr"
	StepExcel       Step = "excel"
)

// TTL is how long a checkpoint survives after its last update before the
// daily sweep may collect it.
const TTL = 24 * time.Hour

// Checkpoint records resumable progress for one job.
type Checkpoint struct {
	UploadID           string    `json:"upload_id"`
	CurrentStep        Step      `json:"current_step"`
	TotalScenes        int       `json:"total_scenes"`
	CompletedOCRScenes []int     `json:"completed_ocr_scenes"`
	RetryCount         int       `json:"retry_count"`
	UpdatedAt          time.Time `json:"updated_at"`
	ExpiresAt          time.Time `json:"expires_at"`
	// State is an opaque blob of pipeline resume data (transcript,
	// per-scene OCR text, metadata) carried between batch requests.
	State json.RawMessage `json:"state,omitempty"`
}

// MarkScenes adds the given scene indices to the completed set, keeping it
// sorted and free of duplicates.
func (c *Checkpoint) MarkScenes(indices []int) {
	seen := make(map[int]bool, len(c.CompletedOCRScenes)+len(indices))
	for _, i := range c.CompletedOCRScenes {
		seen[i] = true
	}
	for _, i := range indices {
		seen[i] = true
	}
	merged := make([]int, 0, len(seen))
	for i := range seen {
		merged = append(merged, i)
	}
	sort.Ints(merged)
	c.CompletedOCRScenes = merged
}

// HasScene reports whether the scene index is already completed.
func (c *Checkpoint) HasScene(index int) bool {
	i := sort.SearchInts(c.CompletedOCRScenes, index)
	return i < len(c.CompletedOCRScenes) && c.CompletedOCRScenes[i] == index
}

// Store is the persistence port for checkpoints. Writes are full-row
// replacements; one active batch per job keeps the single-writer discipline.
type Store interface {
	// Save creates or replaces the checkpoint for c.UploadID.
	Save(ctx context.Context, c *Checkpoint) error

	// Get retrieves the checkpoint for the given upload ID.
	// Returns ErrNotFound if none exists.
	Get(ctx context.Context, uploadID string) (*Checkpoint, error)

	// Delete removes the checkpoint. Deleting a missing row is not an error.
	Delete(ctx context.Context, uploadID string) error

	// DeleteExpired removes all checkpoints with expires_at before now and
	// returns how many were deleted.
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}
