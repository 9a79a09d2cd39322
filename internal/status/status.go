// Package status provides the JobStatus row, its persistence ports, and the
// StatusWriter capability the pipeline uses for progress reporting.
package status

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a status row cannot be found by upload ID.
var ErrNotFound = errors.New("status: not found")

// Status represents the lifecycle state of a job, as stored and served.
type Status string

const (
	StatusPending     Status = "pending"
	StatusDownloading Status = "downloading"
	StatusProcessing  Status = "processing"
	StatusCompleted   Status = "completed"
	StatusError       Status = "error"
)

// IsTerminal returns true if the status is a terminal state.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusError
}

// PhaseStatus is the state of a single pipeline phase.
type PhaseStatus string

const (
	PhaseWaiting    PhaseStatus = "waiting"
	PhaseInProgress PhaseStatus = "in_progress"
	PhaseCompleted  PhaseStatus = "completed"
	PhaseSkipped    PhaseStatus = "skipped"
)

// Stage is the fine-grained progress label shown to the user. The values
// are part of the wire contract and match the database column.
type Stage string

const (
	StageDownloading        Stage = "downloading"
	StageCompressing        Stage = "compressing"
	StageMetadata           Stage = "metadata"
	StageAudio              Stage = "audio"
	StageAudioSkipped       Stage = "audio_skipped"
	StageVADWhisper         Stage = "vad_whisper"
	StageLuminanceDetection Stage = "luminance_detection"
	StageTextStabilization  Stage = "text_stabilization"
	StageSceneDetection     Stage = "scene_detection"
	StageFrameExtraction    Stage = "frame_extraction"
	StageMultiFrameOCR      Stage = "multi_frame_ocr"
	StageOCRProcessing      Stage = "ocr_processing"
	StageOCRCompleted       Stage = "ocr_completed"
	StageBatchProcessing    Stage = "batch_processing"
	StageNarrationMapping   Stage = "narration_mapping"
	StageExcelGeneration    Stage = "excel_generation"
	StageUploadResult       Stage = "upload_result"
	StageCompleted          Stage = "completed"
)

// Metadata is the processing summary written once at completion.
type Metadata struct {
	DurationSec              float64 `json:"duration_sec"`
	SegmentCount             int     `json:"segment_count"`
	OCRResultCount           int     `json:"ocr_result_count"`
	TranscriptionLengthChars int     `json:"transcription_length_chars"`
	TotalScenes              int     `json:"total_scenes"`
	ScenesWithOCR            int     `json:"scenes_with_ocr"`
	ScenesWithNarration      int     `json:"scenes_with_narration"`
	DetectionMode            string  `json:"detection_mode"`
	ResultR2Key              string  `json:"result_r2_key,omitempty"`
}

// JobStatus is the mutable row keyed by upload ID. JSON tags are the
// camelCase wire names; store implementations map them to snake_case columns.
type JobStatus struct {
	UploadID               string      `json:"uploadId"`
	Status                 Status      `json:"status"`
	Progress               int         `json:"progress"`
	Phase                  int         `json:"phase"`
	PhaseProgress          int         `json:"phaseProgress"`
	PhaseStatus            PhaseStatus `json:"phaseStatus"`
	Stage                  Stage       `json:"stage"`
	SubTask                string      `json:"subTask,omitempty"`
	EstimatedTimeRemaining string      `json:"estimatedTimeRemaining,omitempty"`
	StartedAt              time.Time   `json:"startedAt"`
	UpdatedAt              time.Time   `json:"updatedAt"`
	ResultKey              string      `json:"resultKey,omitempty"`
	Metadata               *Metadata   `json:"metadata,omitempty"`
	Error                  string      `json:"error,omitempty"`
}

// StaleThreshold is how long a processing row may go without an updated_at
// touch before readers treat the job as dead.
const StaleThreshold = 5 * time.Minute

// Stale reports whether the row looks abandoned: still processing but not
// heartbeated within StaleThreshold.
func (s *JobStatus) Stale(now time.Time) bool {
	return s.Status == StatusProcessing && now.Sub(s.UpdatedAt) > StaleThreshold
}

// Store is the persistence port for status rows. Writes are full-row
// replacements; the single-writer discipline per job makes that safe.
type Store interface {
	// Upsert creates or fully replaces the row for s.UploadID.
	Upsert(ctx context.Context, s *JobStatus) error

	// Get retrieves the row for the given upload ID.
	// Returns ErrNotFound if no row exists.
	Get(ctx context.Context, uploadID string) (*JobStatus, error)

	// Touch advances updated_at without changing any other column.
	Touch(ctx context.Context, uploadID string, at time.Time) error
}
