package checkpoint

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// ErrRequestFailed is returned when the store returns a non-2xx status.
var ErrRequestFailed = errors.New("checkpoint: request failed")

// Compile-time check that RESTStore implements Store.
var _ Store = (*RESTStore)(nil)

// RESTStore persists checkpoints in the managed status store, table
// checkpoints keyed by upload_id.
type RESTStore struct {
	baseURL    string
	serviceKey string
	httpClient *http.Client
}

// NewRESTStore creates a RESTStore for the given base URL and service key.
func NewRESTStore(baseURL, serviceKey string) *RESTStore {
	return &RESTStore{
		baseURL:    baseURL,
		serviceKey: serviceKey,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

// Save creates or replaces the checkpoint for c.UploadID.
func (st *RESTStore) Save(ctx context.Context, c *Checkpoint) error {
	body, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("checkpoint: marshal: %w", err)
	}
	endpoint := st.baseURL + "/rest/v1/checkpoints?on_conflict=upload_id"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("checkpoint: create request: %w", err)
	}
	st.setHeaders(req)
	req.Header.Set("Prefer", "resolution=merge-duplicates")
	return st.do(req, nil)
}

// Get retrieves the checkpoint for the given upload ID.
func (st *RESTStore) Get(ctx context.Context, uploadID string) (*Checkpoint, error) {
	endpoint := fmt.Sprintf("%s/rest/v1/checkpoints?upload_id=eq.%s&limit=1",
		st.baseURL, url.QueryEscape(uploadID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: create request: %w", err)
	}
	st.setHeaders(req)

	var rows []Checkpoint
	if err := st.do(req, &rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	return &rows[0], nil
}

// Delete removes the checkpoint. Deleting a missing row is not an error.
func (st *RESTStore) Delete(ctx context.Context, uploadID string) error {
	endpoint := fmt.Sprintf("%s/rest/v1/checkpoints?upload_id=eq.%s",
		st.baseURL, url.QueryEscape(uploadID))
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, endpoint, nil)
	if err != nil {
		return fmt.Errorf("checkpoint: create request: %w", err)
	}
	st.setHeaders(req)
	return st.do(req, nil)
}

// DeleteExpired removes all checkpoints with expires_at before now.
func (st *RESTStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	endpoint := fmt.Sprintf("%s/rest/v1/checkpoints?expires_at=lt.%s",
		st.baseURL, url.QueryEscape(now.UTC().Format(time.RFC3339)))
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, endpoint, nil)
	if err != nil {
		return 0, fmt.Errorf("checkpoint: create request: %w", err)
	}
	st.setHeaders(req)
	req.Header.Set("Prefer", "return=representation")

	var rows []Checkpoint
	if err := st.do(req, &rows); err != nil {
		return 0, err
	}
	return len(rows), nil
}

func (st *RESTStore) setHeaders(req *http.Request) {
	req.Header.Set("apikey", st.serviceKey)
	req.Header.Set("Authorization", "Bearer "+st.serviceKey)
	req.Header.Set("Content-Type", "application/json")
}

func (st *RESTStore) do(req *http.Request, result any) error {
	resp, err := st.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("checkpoint: request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("checkpoint: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w with status %d: %s", ErrRequestFailed, resp.StatusCode, string(respBody))
	}
	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("checkpoint: unmarshal response: %w", err)
		}
	}
	return nil
}
