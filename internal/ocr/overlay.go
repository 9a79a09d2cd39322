package ocr

import (
	"math"
	"strings"
)

// Overlay filter parameters. A line is a persistent overlay when it appears
// in at least overlayRatio of scenes; the filter needs at least
// overlayMinScenes scenes to act at all.
const (
	overlayRatio     = 0.5
	overlayMinScenes = 3
)

// FilterPersistentOverlays deletes lines that appear in at least half of
// the scenes from every scene's text. Such lines are station logos,
// watermarks, or standing captions rather than scene content. Returns the
// filtered texts and the removed lines. No-op below overlayMinScenes.
func FilterPersistentOverlays(texts []string) ([]string, []string) {
	if len(texts) < overlayMinScenes {
		return texts, nil
	}

	counts := map[string]int{}
	for _, text := range texts {
		seen := map[string]bool{}
		for _, line := range strings.Split(text, "\n") {
			line = strings.TrimSpace(line)
			if line == "" || seen[line] {
				continue
			}
			seen[line] = true
			counts[line]++
		}
	}

	threshold := int(math.Ceil(float64(len(texts)) * overlayRatio))
	overlays := map[string]bool{}
	var removed []string
	for line, n := range counts {
		if n >= threshold {
			overlays[line] = true
			removed = append(removed, line)
		}
	}
	if len(overlays) == 0 {
		return texts, nil
	}

	filtered := make([]string, len(texts))
	for i, text := range texts {
		var kept []string
		for _, line := range strings.Split(text, "\n") {
			if overlays[strings.TrimSpace(line)] {
				continue
			}
			kept = append(kept, line)
		}
		filtered[i] = strings.TrimSpace(strings.Join(kept, "\n"))
	}
	return filtered, removed
}
