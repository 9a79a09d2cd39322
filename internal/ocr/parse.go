package ocr

import (
	"encoding/json"
	"regexp"
	"strings"
)

// ocrResponse is the strict shape the prompt asks for.
type ocrResponse struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// Extraction patterns applied in order when strict JSON decoding fails.
// Models that ignore the format instruction tend to narrate their answer;
// each pattern mines the quoted text out of one such phrasing.
var extractionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?s)"text"\s*:\s*"((?:[^"\\]|\\.)*)"`),
	regexp.MustCompile(`(?i)the text (?:reads|says|is)[:\s]*"((?:[^"\\]|\\.)*)"`),
	regexp.MustCompile(`(?i)extracted text[:\s]*"((?:[^"\\]|\\.)*)"`),
	regexp.MustCompile(`(?i)text[:\s]+"((?:[^"\\]|\\.)*)"`),
}

var confidencePattern = regexp.MustCompile(`"confidence"\s*:\s*([0-9.]+)`)

// parseResponse decodes a model response leniently: code fences are stripped
// first; if strict JSON decoding fails, the response is mined for quoted
// substrings with the extraction patterns. Returns ErrUnparseableResponse
// when nothing matches.
func parseResponse(raw string) (string, float64, error) {
	cleaned := stripFences(raw)

	var parsed ocrResponse
	if err := json.Unmarshal([]byte(cleaned), &parsed); err == nil {
		return parsed.Text, clampConfidence(parsed.Confidence), nil
	}

	for _, pattern := range extractionPatterns {
		m := pattern.FindStringSubmatch(cleaned)
		if len(m) < 2 {
			continue
		}
		text := unescapeJSONString(m[1])
		confidence := 0.5
		if cm := confidencePattern.FindStringSubmatch(cleaned); len(cm) > 1 {
			var c float64
			if err := json.Unmarshal([]byte(cm[1]), &c); err == nil {
				confidence = clampConfidence(c)
			}
		}
		return text, confidence, nil
	}

	return "", 0, ErrUnparseableResponse
}

// stripFences removes a leading/trailing markdown code fence, with or
// without a language tag.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		// Drop the language tag line (e.g. "json").
		first := strings.TrimSpace(s[:i])
		if len(first) <= 10 && !strings.ContainsAny(first, "{}\"") {
			s = s[i+1:]
		}
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// unescapeJSONString resolves escapes in text captured from inside a JSON
// string literal. Falls back to the raw capture on malformed escapes.
func unescapeJSONString(s string) string {
	var out string
	if err := json.Unmarshal([]byte(`"`+s+`"`), &out); err != nil {
		return s
	}
	return out
}

func clampConfidence(c float64) float64 {
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}
