package transcribe

import (
	"context"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scenereport/worker/internal/ratelimit"
)

func writeAudioFixture(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chunk_0000.mp3")
	require.NoError(t, os.WriteFile(path, []byte("not really audio"), 0o600))
	return path
}

func TestNewClient(t *testing.T) {
	t.Run("requires API key", func(t *testing.T) {
		_, err := NewClient("")
		assert.ErrorIs(t, err, ErrAPIKeyRequired)
	})

	t.Run("applies options", func(t *testing.T) {
		c, err := NewClient("key", WithBaseURL("http://example.test"))
		require.NoError(t, err)
		assert.Equal(t, "http://example.test", c.baseURL)
	})
}

func TestTranscribe(t *testing.T) {
	audioPath := writeAudioFixture(t)

	t.Run("parses segments with fixed request parameters", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.NoError(t, r.ParseMultipartForm(1 << 20))
			assert.Equal(t, "whisper-1", r.FormValue("model"))
			assert.Equal(t, "ja", r.FormValue("language"))
			assert.Equal(t, "verbose_json", r.FormValue("response_format"))
			assert.Equal(t, "0", r.FormValue("temperature"))
			assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{
				"segments": [
					{"start": 0.0, "end": 2.5, "text": "こんにちは", "avg_logprob": -0.1},
					{"start": 2.5, "end": 4.0, "text": "世界", "avg_logprob": -2.0}
				]
			}`))
		}))
		defer srv.Close()

		c, err := NewClient("test-key", WithBaseURL(srv.URL))
		require.NoError(t, err)

		segs, err := c.Transcribe(context.Background(), audioPath)
		require.NoError(t, err)
		require.Len(t, segs, 2)

		assert.InDelta(t, 0.0, segs[0].Timestamp, 1e-9)
		assert.InDelta(t, 2.5, segs[0].Duration, 1e-9)
		assert.Equal(t, "こんにちは", segs[0].Text)
		assert.InDelta(t, math.Exp(-0.1), segs[0].Confidence, 1e-9)
		assert.InDelta(t, math.Exp(-2.0), segs[1].Confidence, 1e-9)
	})

	t.Run("rate limit carries the Retry-After hint", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Retry-After", "7")
			w.WriteHeader(http.StatusTooManyRequests)
		}))
		defer srv.Close()

		c, err := NewClient("test-key", WithBaseURL(srv.URL))
		require.NoError(t, err)

		_, err = c.Transcribe(context.Background(), audioPath)
		require.Error(t, err)
		assert.True(t, IsRetryable(err))
		assert.ErrorIs(t, err, ErrRateLimited)

		var ra *ratelimit.RetryAfterError
		require.ErrorAs(t, err, &ra)
		assert.Equal(t, 7*time.Second, ra.After)
	})

	t.Run("server errors are retryable", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer srv.Close()

		c, err := NewClient("test-key", WithBaseURL(srv.URL))
		require.NoError(t, err)

		_, err = c.Transcribe(context.Background(), audioPath)
		require.Error(t, err)
		assert.True(t, IsRetryable(err))
		assert.ErrorIs(t, err, ErrServerError)
	})

	t.Run("client errors are permanent", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
		}))
		defer srv.Close()

		c, err := NewClient("test-key", WithBaseURL(srv.URL))
		require.NoError(t, err)

		_, err = c.Transcribe(context.Background(), audioPath)
		require.Error(t, err)
		assert.False(t, IsRetryable(err))
		assert.ErrorIs(t, err, ErrRequestFailed)
	})
}

func TestIsRetryable(t *testing.T) {
	assert.False(t, IsRetryable(errors.New("plain")))
	assert.True(t, IsRetryable(&retryableError{err: errors.New("wrapped")}))
	assert.True(t, IsRetryable(&ratelimit.RetryAfterError{After: time.Second, Err: errors.New("hint")}))
}
