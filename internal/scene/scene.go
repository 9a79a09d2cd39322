// Package scene provides scene detection on top of the media package:
// multi-pass cut detection, cut merging and collapsing, minimum-duration
// filtering, and (in enhanced mode) luminance-transition and text-stability
// boundary seeding.
package scene

import "fmt"

// Mode selects the detection strategy.
type Mode string

const (
	// ModeStandard uses multi-pass cut detection only.
	ModeStandard Mode = "standard"
	// ModeEnhanced additionally detects fades, dissolves, and animated
	// text stabilization points.
	ModeEnhanced Mode = "enhanced"
)

// IsValid returns true if the mode is a known detection mode.
func (m Mode) IsValid() bool {
	return m == ModeStandard || m == ModeEnhanced
}

// Scene is a contiguous interval between two accepted cuts.
type Scene struct {
	// Number is the 1-based sequential index over accepted scenes.
	Number int
	// StartTime and EndTime bound the scene in seconds.
	StartTime float64
	EndTime   float64
	// Confidence is the score of the cut that opened this scene.
	Confidence float64
	// ScreenshotPath is the extracted mid-point frame. Transient.
	ScreenshotPath string
	// OCRText is the per-scene text after overlay filtering.
	OCRText string
	// NarrationText is the aligned transcript text.
	NarrationText string
}

// MidTime returns the scene's mid-point, used for frame extraction.
func (s Scene) MidTime() float64 {
	return (s.StartTime + s.EndTime) / 2
}

// Duration returns the scene length in seconds.
func (s Scene) Duration() float64 {
	return s.EndTime - s.StartTime
}

// Timecode returns HH:MM:SS at the scene start.
func (s Scene) Timecode() string {
	return Timecode(s.StartTime)
}

// Timecode formats seconds as HH:MM:SS.
func Timecode(sec float64) string {
	if sec < 0 {
		sec = 0
	}
	total := int(sec)
	return fmt.Sprintf("%02d:%02d:%02d", total/3600, (total%3600)/60, total%60)
}
