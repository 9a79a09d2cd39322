// Package report assembles the xlsx analysis report from scenes, transcript
// segments, and video metadata.
package report

import (
	"sort"
	"strings"

	"github.com/scenereport/worker/internal/scene"
	"github.com/scenereport/worker/internal/transcribe"
)

// AlignNarration assigns each transcript segment to the scene containing
// its start timestamp and joins the per-scene texts in timestamp order.
// Mutates the NarrationText of each scene in place.
func AlignNarration(scenes []scene.Scene, segments []transcribe.TranscriptSegment) {
	sorted := make([]transcribe.TranscriptSegment, len(segments))
	copy(sorted, segments)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp < sorted[j].Timestamp
	})

	for i := range scenes {
		var parts []string
		for _, seg := range sorted {
			if seg.Timestamp >= scenes[i].StartTime && seg.Timestamp < scenes[i].EndTime {
				if text := strings.TrimSpace(seg.Text); text != "" {
					parts = append(parts, text)
				}
			}
		}
		scenes[i].NarrationText = strings.Join(parts, " ")
	}
}
