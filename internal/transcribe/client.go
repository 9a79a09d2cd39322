// Package transcribe provides the speech-API client and the chunk fan-out
// that turns voice-activity chunks into an absolute-time transcript.
package transcribe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/scenereport/worker/internal/ratelimit"
)

// Static errors for speech client operations.
var (
	// ErrAPIKeyRequired is returned when no API key is configured.
	ErrAPIKeyRequired = errors.New("transcribe: API key is required")
	// ErrRateLimited is returned when the server returns a 429 status code.
	ErrRateLimited = errors.New("transcribe: rate limited")
	// ErrServerError is returned when the server returns a 5xx status code.
	ErrServerError = errors.New("transcribe: server error")
	// ErrRequestFailed is returned when the request fails with a non-2xx status code.
	ErrRequestFailed = errors.New("transcribe: request failed")
)

// Fixed request parameters. The language hint and zero temperature keep the
// model from improvising on short clips.
const (
	modelName      = "whisper-1"
	languageHint   = "ja"
	responseFormat = "verbose_json"
	temperature    = "0"
)

// Client defines the interface for the speech-to-text API.
type Client interface {
	// Transcribe submits an audio file and returns segments with
	// model-local timestamps.
	Transcribe(ctx context.Context, audioPath string) ([]TranscriptSegment, error)
}

// HTTPClient is the HTTP implementation of the speech Client interface.
type HTTPClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// ClientOption is a function that configures an HTTPClient.
type ClientOption func(*HTTPClient)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(hc *HTTPClient) {
		hc.httpClient = c
	}
}

// WithBaseURL sets a custom base URL for the speech API.
func WithBaseURL(url string) ClientOption {
	return func(hc *HTTPClient) {
		hc.baseURL = url
	}
}

// NewClient creates a new speech HTTP client.
func NewClient(apiKey string, opts ...ClientOption) (*HTTPClient, error) {
	if apiKey == "" {
		return nil, ErrAPIKeyRequired
	}

	c := &HTTPClient{
		apiKey:     apiKey,
		baseURL:    "https://api.openai.com/v1",
		httpClient: &http.Client{Timeout: 120 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

var _ Client = (*HTTPClient)(nil)

// Transcribe submits the audio file with the fixed parameters and returns
// segments with timestamps local to the submitted file.
func (c *HTTPClient) Transcribe(ctx context.Context, audioPath string) ([]TranscriptSegment, error) {
	body, contentType, err := buildForm(audioPath)
	if err != nil {
		return nil, err
	}

	url := c.baseURL + "/audio/transcriptions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return nil, fmt.Errorf("transcribe: create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", contentType)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &retryableError{err: fmt.Errorf("transcribe: request failed: %w", err)}
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &retryableError{err: fmt.Errorf("transcribe: read response: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, classifyStatus(resp, respBody)
	}

	var parsed verboseResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("transcribe: unmarshal response: %w", err)
	}

	segments := make([]TranscriptSegment, 0, len(parsed.Segments))
	for _, s := range parsed.Segments {
		segments = append(segments, TranscriptSegment{
			Timestamp:  s.Start,
			Duration:   s.End - s.Start,
			Text:       s.Text,
			Confidence: confidenceFrom(s.AvgLogprob),
		})
	}
	return segments, nil
}

// buildForm builds the multipart body with the audio file and the fixed
// request parameters.
func buildForm(audioPath string) (*bytes.Buffer, string, error) {
	f, err := os.Open(audioPath) // #nosec G304 - path is worker-generated
	if err != nil {
		return nil, "", fmt.Errorf("transcribe: open audio: %w", err)
	}
	defer func() { _ = f.Close() }()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	part, err := w.CreateFormFile("file", filepath.Base(audioPath))
	if err != nil {
		return nil, "", fmt.Errorf("transcribe: create form file: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, "", fmt.Errorf("transcribe: copy audio: %w", err)
	}

	fields := map[string]string{
		"model":           modelName,
		"language":        languageHint,
		"response_format": responseFormat,
		"temperature":     temperature,
	}
	for name, value := range fields {
		if err := w.WriteField(name, value); err != nil {
			return nil, "", fmt.Errorf("transcribe: write field %s: %w", name, err)
		}
	}

	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("transcribe: close form: %w", err)
	}
	return &buf, w.FormDataContentType(), nil
}

// classifyStatus maps a non-2xx response to a retryable or permanent error.
// Authentication and invalid-audio responses are permanent; rate limiting
// and server errors are retryable.
func classifyStatus(resp *http.Response, body []byte) error {
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		err := &retryableError{err: fmt.Errorf("%w: %s", ErrRateLimited, string(body))}
		if after := parseRetryAfter(resp.Header.Get("Retry-After")); after > 0 {
			return &ratelimit.RetryAfterError{After: after, Err: err}
		}
		return err
	case resp.StatusCode >= 500:
		return &retryableError{err: fmt.Errorf("%w %d: %s", ErrServerError, resp.StatusCode, string(body))}
	default:
		return fmt.Errorf("%w with status %d: %s", ErrRequestFailed, resp.StatusCode, string(body))
	}
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

// confidenceFrom converts an average log-probability to a confidence in [0, 1].
func confidenceFrom(avgLogprob float64) float64 {
	c := math.Exp(avgLogprob)
	if c > 1 {
		c = 1
	}
	if c < 0 {
		c = 0
	}
	return c
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

// IsRetryable returns true if the error should be retried.
func IsRetryable(err error) bool {
	var re *retryableError
	if errors.As(err, &re) {
		return true
	}
	var ra *ratelimit.RetryAfterError
	return errors.As(err, &ra)
}
