package ocr

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/scenereport/worker/internal/ratelimit"
)

// Static errors for vision client operations.
var (
	// ErrAPIKeyRequired is returned when no API key is configured.
	ErrAPIKeyRequired = errors.New("ocr: API key is required")
	// ErrModelRequired is returned when no model name is configured.
	ErrModelRequired = errors.New("ocr: model name is required")
	// ErrRateLimited is returned when the server returns a 429 status code.
	ErrRateLimited = errors.New("ocr: rate limited")
	// ErrServerError is returned when the server returns a 5xx status code.
	ErrServerError = errors.New("ocr: server error")
	// ErrRequestFailed is returned when the request fails with a non-2xx status code.
	ErrRequestFailed = errors.New("ocr: request failed")
	// ErrEmptyResponse is returned when the model returns no candidates.
	ErrEmptyResponse = errors.New("ocr: empty model response")
)

// GeminiProvider calls one Gemini model through the generateContent REST API.
type GeminiProvider struct {
	model      string
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// GeminiOption is a function that configures a GeminiProvider.
type GeminiOption func(*GeminiProvider)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) GeminiOption {
	return func(p *GeminiProvider) {
		p.httpClient = c
	}
}

// WithBaseURL sets a custom base URL for the vision API.
func WithBaseURL(url string) GeminiOption {
	return func(p *GeminiProvider) {
		p.baseURL = url
	}
}

// NewGeminiProvider creates a provider bound to one model.
func NewGeminiProvider(model, apiKey string, opts ...GeminiOption) (*GeminiProvider, error) {
	if model == "" {
		return nil, ErrModelRequired
	}
	if apiKey == "" {
		return nil, ErrAPIKeyRequired
	}

	p := &GeminiProvider{
		model:      model,
		apiKey:     apiKey,
		baseURL:    "https://generativelanguage.googleapis.com/v1beta",
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

var _ Provider = (*GeminiProvider)(nil)

// Name returns the model name.
func (p *GeminiProvider) Name() string {
	return p.model
}

// Request/response shapes for generateContent.
type geminiRequest struct {
	Contents         []geminiContent `json:"contents"`
	GenerationConfig geminiGenConfig `json:"generationConfig"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *geminiInlineData `json:"inline_data,omitempty"`
}

type geminiInlineData struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

type geminiGenConfig struct {
	Temperature float64 `json:"temperature"`
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// PerformOCR submits the frame with the fixed prompt and parses the
// response leniently.
func (p *GeminiProvider) PerformOCR(ctx context.Context, image []byte) (Result, error) {
	started := time.Now()

	reqBody := geminiRequest{
		Contents: []geminiContent{{
			Parts: []geminiPart{
				{Text: Prompt},
				{InlineData: &geminiInlineData{
					MimeType: "image/png",
					Data:     base64.StdEncoding.EncodeToString(image),
				}},
			},
		}},
		GenerationConfig: geminiGenConfig{Temperature: 0},
	}
	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return Result{}, fmt.Errorf("ocr: marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", p.baseURL, p.model, p.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(bodyBytes))
	if err != nil {
		return Result{}, fmt.Errorf("ocr: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return Result{}, &retryableError{err: fmt.Errorf("ocr: request failed: %w", err)}
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, &retryableError{err: fmt.Errorf("ocr: read response: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Result{}, classifyStatus(resp, respBody)
	}

	var parsed geminiResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return Result{}, fmt.Errorf("ocr: unmarshal response: %w", err)
	}
	if len(parsed.Candidates) == 0 || len(parsed.Candidates[0].Content.Parts) == 0 {
		return Result{}, ErrEmptyResponse
	}

	text, confidence, err := parseResponse(parsed.Candidates[0].Content.Parts[0].Text)
	if err != nil {
		return Result{}, err
	}

	return Result{
		Text:             text,
		Confidence:       confidence,
		Provider:         p.model,
		ProcessingTimeMS: time.Since(started).Milliseconds(),
	}, nil
}

// classifyStatus maps a non-2xx response to a retryable or permanent error.
// 429 and 503 are retryable, as are bodies reporting overload or quota
// exhaustion; a Retry-After header carries through as an explicit hint.
func classifyStatus(resp *http.Response, body []byte) error {
	lower := strings.ToLower(string(body))
	retryable := resp.StatusCode == http.StatusTooManyRequests ||
		resp.StatusCode == http.StatusServiceUnavailable ||
		resp.StatusCode >= 500 ||
		strings.Contains(lower, "overloaded") ||
		strings.Contains(lower, "quota")

	var base error
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		base = fmt.Errorf("%w: %s", ErrRateLimited, string(body))
	case resp.StatusCode >= 500:
		base = fmt.Errorf("%w %d: %s", ErrServerError, resp.StatusCode, string(body))
	default:
		base = fmt.Errorf("%w with status %d: %s", ErrRequestFailed, resp.StatusCode, string(body))
	}

	if !retryable {
		return base
	}

	err := &retryableError{err: base}
	if after := parseRetryAfter(resp.Header.Get("Retry-After")); after > 0 {
		return &ratelimit.RetryAfterError{After: after, Err: err}
	}
	return err
}

// parseRetryAfter handles the delay-seconds form of the header.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

// retryableError wraps errors that should be retried.
type retryableError struct {
	err error
}

func (e *retryableError) Error() string {
	return e.err.Error()
}

func (e *retryableError) Unwrap() error {
	return e.err
}

// IsRetryable returns true if the error should be retried, possibly on a
// different provider.
func IsRetryable(err error) bool {
	var re *retryableError
	if errors.As(err, &re) {
		return true
	}
	var ra *ratelimit.RetryAfterError
	if errors.As(err, &ra) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
