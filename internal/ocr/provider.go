// Package ocr provides the vision-API providers, priority failover with
// adaptive cooldowns, multi-frame selection, and persistent-overlay
// filtering.
package ocr

import (
	"context"
	"errors"
)

// Static errors for OCR operations.
var (
	// ErrNoProviders is returned when a manager is created without providers.
	ErrNoProviders = errors.New("ocr: no providers configured")
	// ErrAllProvidersUnavailable is returned when every provider is cooling
	// down and the caller's context expires before one recovers.
	ErrAllProvidersUnavailable = errors.New("ocr: all providers unavailable")
	// ErrUnparseableResponse is returned when lenient extraction finds no
	// usable text in the model response.
	ErrUnparseableResponse = errors.New("ocr: response unparseable")
)

// Prompt sent with every frame. The region restrictions and the strict JSON
// requirement are part of the behavioral contract; do not reword.
const Prompt = `You are an OCR system for video frames. Extract the primary on-screen text from this frame.

Rules:
- Only read subtitles, captions, and titles located in the bottom 20% of the frame or the center 30% of the frame.
- Ignore background text, channel logos, watermarks, timestamps, and any text outside those regions.
- Respond with strict JSON only, exactly this shape: {"text": string, "confidence": number}
- "confidence" is your confidence in the extraction, between 0 and 1.
- If no primary text is visible, respond with {"text": "", "confidence": 0}.
- Do not add explanations, markdown, or code fences.`

// Result is the outcome of one OCR call.
type Result struct {
	// Text is the extracted text, possibly empty.
	Text string `json:"text"`
	// Confidence is the provider's confidence in [0, 1].
	Confidence float64 `json:"confidence"`
	// Provider names the provider that produced the result.
	Provider string `json:"provider"`
	// ProcessingTimeMS is the wall time of the provider call.
	ProcessingTimeMS int64 `json:"processing_time_ms"`
}

// Provider is the single capability an OCR backend must implement.
type Provider interface {
	// Name identifies the provider in results and logs.
	Name() string
	// PerformOCR extracts text from a PNG frame.
	PerformOCR(ctx context.Context, image []byte) (Result, error)
}
