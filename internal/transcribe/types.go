package transcribe

// TranscriptSegment is one transcribed utterance on the absolute video
// timeline.
type TranscriptSegment struct {
	// Timestamp is the absolute start in seconds.
	Timestamp float64 `json:"timestamp"`
	// Duration is the segment length in seconds.
	Duration float64 `json:"duration"`
	// Text is the transcribed text.
	Text string `json:"text"`
	// Confidence is the model's confidence in [0, 1].
	Confidence float64 `json:"confidence"`
	// ChunkIndex is the audio chunk that produced this segment.
	ChunkIndex int `json:"chunk_index,omitempty"`
}

// verboseResponse is the verbose JSON shape returned by the speech API.
type verboseResponse struct {
	Text     string           `json:"text"`
	Language string           `json:"language"`
	Duration float64          `json:"duration"`
	Segments []verboseSegment `json:"segments"`
}

// verboseSegment carries model-local timestamps relative to the submitted
// audio file.
type verboseSegment struct {
	ID           int     `json:"id"`
	Start        float64 `json:"start"`
	End          float64 `json:"end"`
	Text         string  `json:"text"`
	AvgLogprob   float64 `json:"avg_logprob"`
	NoSpeechProb float64 `json:"no_speech_prob"`
}
