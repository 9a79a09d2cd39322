package pipeline

import (
	"encoding/json"
	"fmt"

	"github.com/scenereport/worker/internal/checkpoint"
	"github.com/scenereport/worker/internal/media"
	"github.com/scenereport/worker/internal/scene"
	"github.com/scenereport/worker/internal/transcribe"
)

// resumeState is the pipeline data a batch continuation needs that the
// checkpoint's first-class columns don't carry: the phase-1 transcript, the
// OCR text accumulated so far, and the video metadata. It rides in the
// checkpoint's state blob.
type resumeState struct {
	FileName           string                         `json:"file_name"`
	UserID             string                         `json:"user_id"`
	Mode               scene.Mode                     `json:"mode"`
	Meta               media.Metadata                 `json:"meta"`
	AudioSkipped       bool                           `json:"audio_skipped"`
	Transcript         []transcribe.TranscriptSegment `json:"transcript,omitempty"`
	SceneTexts         map[int]string                 `json:"scene_texts,omitempty"`
	Warnings           []string                       `json:"warnings,omitempty"`
	TranscriptionChars int                            `json:"transcription_chars"`
}

// encodeState marshals the resume state into the checkpoint.
func encodeState(cp *checkpoint.Checkpoint, st *resumeState) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("pipeline: encode state: %w", err)
	}
	cp.State = raw
	return nil
}

// decodeState unmarshals the resume state from the checkpoint.
func decodeState(cp *checkpoint.Checkpoint) (*resumeState, error) {
	if len(cp.State) == 0 {
		return nil, fmt.Errorf("pipeline: checkpoint %s has no state", cp.UploadID)
	}
	var st resumeState
	if err := json.Unmarshal(cp.State, &st); err != nil {
		return nil, fmt.Errorf("pipeline: decode state: %w", err)
	}
	if st.SceneTexts == nil {
		st.SceneTexts = make(map[int]string)
	}
	return &st, nil
}
