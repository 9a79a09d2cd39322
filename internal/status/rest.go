package status

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

// Static errors for the REST store.
var (
	// ErrStoreURLRequired is returned when the store URL is not provided.
	ErrStoreURLRequired = errors.New("status: store URL is required")
	// ErrServiceKeyRequired is returned when the service key is not provided.
	ErrServiceKeyRequired = errors.New("status: service key is required")
	// ErrRequestFailed is returned when the store returns a non-2xx status.
	ErrRequestFailed = errors.New("status: request failed")
)

// Compile-time check that RESTStore implements Store.
var _ Store = (*RESTStore)(nil)

// RESTStore talks to the managed status store over its PostgREST-style API.
// All access uses the service key; the table is job_status keyed by upload_id.
type RESTStore struct {
	baseURL    string
	serviceKey string
	httpClient *http.Client
}

// RESTOption configures a RESTStore.
type RESTOption func(*RESTStore)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) RESTOption {
	return func(s *RESTStore) {
		s.httpClient = c
	}
}

// NewRESTStore creates a RESTStore for the given base URL and service key.
func NewRESTStore(baseURL, serviceKey string, opts ...RESTOption) (*RESTStore, error) {
	if baseURL == "" {
		return nil, ErrStoreURLRequired
	}
	if serviceKey == "" {
		return nil, ErrServiceKeyRequired
	}
	s := &RESTStore{
		baseURL:    baseURL,
		serviceKey: serviceKey,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// statusRow is the snake_case wire shape of the job_status table.
type statusRow struct {
	UploadID               string    `json:"upload_id"`
	Status                 string    `json:"status"`
	Progress               int       `json:"progress"`
	Phase                  int       `json:"phase"`
	PhaseProgress          int       `json:"phase_progress"`
	PhaseStatus            string    `json:"phase_status"`
	Stage                  string    `json:"stage"`
	SubTask                string    `json:"sub_task"`
	EstimatedTimeRemaining string    `json:"estimated_time_remaining"`
	StartedAt              time.Time `json:"started_at"`
	UpdatedAt              time.Time `json:"updated_at"`
	ResultKey              string    `json:"result_key"`
	Metadata               *Metadata `json:"metadata,omitempty"`
	Error                  string    `json:"error"`
}

func toRow(s *JobStatus) statusRow {
	return statusRow{
		UploadID:               s.UploadID,
		Status:                 string(s.Status),
		Progress:               s.Progress,
		Phase:                  s.Phase,
		PhaseProgress:          s.PhaseProgress,
		PhaseStatus:            string(s.PhaseStatus),
		Stage:                  string(s.Stage),
		SubTask:                s.SubTask,
		EstimatedTimeRemaining: s.EstimatedTimeRemaining,
		StartedAt:              s.StartedAt,
		UpdatedAt:              s.UpdatedAt,
		ResultKey:              s.ResultKey,
		Metadata:               s.Metadata,
		Error:                  s.Error,
	}
}

func (r statusRow) toStatus() *JobStatus {
	return &JobStatus{
		UploadID:               r.UploadID,
		Status:                 Status(r.Status),
		Progress:               r.Progress,
		Phase:                  r.Phase,
		PhaseProgress:          r.PhaseProgress,
		PhaseStatus:            PhaseStatus(r.PhaseStatus),
		Stage:                  Stage(r.Stage),
		SubTask:                r.SubTask,
		EstimatedTimeRemaining: r.EstimatedTimeRemaining,
		StartedAt:              r.StartedAt,
		UpdatedAt:              r.UpdatedAt,
		ResultKey:              r.ResultKey,
		Metadata:               r.Metadata,
		Error:                  r.Error,
	}
}

// Upsert creates or fully replaces the row for s.UploadID.
func (st *RESTStore) Upsert(ctx context.Context, s *JobStatus) error {
	body, err := json.Marshal(toRow(s))
	if err != nil {
		return fmt.Errorf("status: marshal row: %w", err)
	}

	endpoint := st.baseURL + "/rest/v1/job_status?on_conflict=upload_id"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("status: create request: %w", err)
	}
	st.setHeaders(req)
	req.Header.Set("Prefer", "resolution=merge-duplicates")

	return st.do(req, nil)
}

// Get retrieves the row for the given upload ID.
func (st *RESTStore) Get(ctx context.Context, uploadID string) (*JobStatus, error) {
	endpoint := fmt.Sprintf("%s/rest/v1/job_status?upload_id=eq.%s&limit=1",
		st.baseURL, url.QueryEscape(uploadID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("status: create request: %w", err)
	}
	st.setHeaders(req)

	var rows []statusRow
	if err := st.do(req, &rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	return rows[0].toStatus(), nil
}

// Touch advances updated_at without changing any other column.
func (st *RESTStore) Touch(ctx context.Context, uploadID string, at time.Time) error {
	body, err := json.Marshal(map[string]time.Time{"updated_at": at})
	if err != nil {
		return fmt.Errorf("status: marshal touch: %w", err)
	}

	endpoint := fmt.Sprintf("%s/rest/v1/job_status?upload_id=eq.%s",
		st.baseURL, url.QueryEscape(uploadID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("status: create request: %w", err)
	}
	st.setHeaders(req)

	return st.do(req, nil)
}

func (st *RESTStore) setHeaders(req *http.Request) {
	req.Header.Set("apikey", st.serviceKey)
	req.Header.Set("Authorization", "Bearer "+st.serviceKey)
	req.Header.Set("Content-Type", "application/json")
}

func (st *RESTStore) do(req *http.Request, result any) error {
	resp, err := st.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("status: request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("status: read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w with status %d: %s", ErrRequestFailed, resp.StatusCode, string(respBody))
	}

	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("status: unmarshal response: %w", err)
		}
	}
	return nil
}
