package taskqueue

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Static errors for Cloud Tasks operations.
var (
	// ErrProjectRequired is returned when the project ID is not provided.
	ErrProjectRequired = errors.New("taskqueue: project is required")
	// ErrLocationRequired is returned when the queue location is not provided.
	ErrLocationRequired = errors.New("taskqueue: location is required")
	// ErrQueueRequired is returned when the queue name is not provided.
	ErrQueueRequired = errors.New("taskqueue: queue is required")
	// ErrTargetRequired is returned when the worker base URL is not provided.
	ErrTargetRequired = errors.New("taskqueue: worker base URL is required")
	// ErrCreateFailed is returned when task creation fails.
	ErrCreateFailed = errors.New("taskqueue: create task failed")
)

// Worker callback paths.
const (
	processTaskPath = "/process-task"
	batchTaskPath   = "/process-ocr-batch"
)

// processDeadline is the dispatch deadline for a full-pipeline task: the
// queue treats the request as failed if the worker holds it longer.
const processDeadline = 30 * time.Minute

// metadataTokenURL is the GCE metadata endpoint issuing access tokens for
// the attached service account.
const metadataTokenURL = "http://metadata.google.internal/computeMetadata/v1/instance/service-accounts/default/token" // #nosec G101 - well-known metadata path

// TokenSource returns a bearer token for the Cloud Tasks API.
type TokenSource func(ctx context.Context) (string, error)

// CloudTasks enqueues worker callbacks through the Cloud Tasks REST API.
type CloudTasks struct {
	project      string
	location     string
	queue        string
	workerURL    string
	workerSecret string
	baseURL      string
	httpClient   *http.Client
	tokenSource  TokenSource
}

// CloudTasksOption is a function that configures a CloudTasks queue.
type CloudTasksOption func(*CloudTasks)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) CloudTasksOption {
	return func(q *CloudTasks) {
		q.httpClient = c
	}
}

// WithBaseURL sets a custom base URL for the Cloud Tasks API.
func WithBaseURL(url string) CloudTasksOption {
	return func(q *CloudTasks) {
		q.baseURL = url
	}
}

// WithTokenSource sets a custom token source.
func WithTokenSource(ts TokenSource) CloudTasksOption {
	return func(q *CloudTasks) {
		q.tokenSource = ts
	}
}

// NewCloudTasks creates a Cloud Tasks queue client. workerURL is the
// worker's external base URL; workerSecret authenticates callbacks when the
// queue delivers them.
func NewCloudTasks(project, location, queue, workerURL, workerSecret string, opts ...CloudTasksOption) (*CloudTasks, error) {
	switch {
	case project == "":
		return nil, ErrProjectRequired
	case location == "":
		return nil, ErrLocationRequired
	case queue == "":
		return nil, ErrQueueRequired
	case workerURL == "":
		return nil, ErrTargetRequired
	}

	q := &CloudTasks{
		project:      project,
		location:     location,
		queue:        queue,
		workerURL:    workerURL,
		workerSecret: workerSecret,
		baseURL:      "https://cloudtasks.googleapis.com/v2",
		httpClient:   &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(q)
	}
	if q.tokenSource == nil {
		q.tokenSource = metadataToken(q.httpClient)
	}
	return q, nil
}

var _ Queue = (*CloudTasks)(nil)

// createTaskRequest is the Cloud Tasks REST shape. The callback body rides
// base64-encoded inside httpRequest.
type createTaskRequest struct {
	Task taskSpec `json:"task"`
}

type taskSpec struct {
	ScheduleTime     string          `json:"scheduleTime,omitempty"`
	DispatchDeadline string          `json:"dispatchDeadline,omitempty"`
	HTTPRequest      taskHTTPRequest `json:"httpRequest"`
}

type taskHTTPRequest struct {
	HTTPMethod string            `json:"httpMethod"`
	URL        string            `json:"url"`
	Headers    map[string]string `json:"headers"`
	Body       string            `json:"body"`
}

type createTaskResponse struct {
	Name string `json:"name"`
}

// EnqueueProcess dispatches a full-pipeline task with the 30-minute
// dispatch deadline and returns the created task name.
func (q *CloudTasks) EnqueueProcess(ctx context.Context, task ProcessTask) (string, error) {
	payload, err := json.Marshal(task)
	if err != nil {
		return "", fmt.Errorf("taskqueue: marshal process task: %w", err)
	}
	spec := taskSpec{
		DispatchDeadline: fmt.Sprintf("%ds", int(processDeadline.Seconds())),
		HTTPRequest:      q.callback(processTaskPath, payload),
	}
	return q.create(ctx, spec)
}

// EnqueueBatch creates a task delivering the BatchTask to the worker after
// the given delay.
func (q *CloudTasks) EnqueueBatch(ctx context.Context, task BatchTask, delay time.Duration) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("taskqueue: marshal batch task: %w", err)
	}
	spec := taskSpec{
		HTTPRequest: q.callback(batchTaskPath, payload),
	}
	if delay > 0 {
		spec.ScheduleTime = time.Now().Add(delay).UTC().Format(time.RFC3339)
	}
	_, err = q.create(ctx, spec)
	return err
}

func (q *CloudTasks) callback(path string, payload []byte) taskHTTPRequest {
	return taskHTTPRequest{
		HTTPMethod: http.MethodPost,
		URL:        q.workerURL + path,
		Headers: map[string]string{
			"Content-Type":  "application/json",
			"Authorization": "Bearer " + q.workerSecret,
		},
		Body: base64.StdEncoding.EncodeToString(payload),
	}
}

// create posts the task to the queue and returns the task name.
func (q *CloudTasks) create(ctx context.Context, spec taskSpec) (string, error) {
	body, err := json.Marshal(createTaskRequest{Task: spec})
	if err != nil {
		return "", fmt.Errorf("taskqueue: marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/projects/%s/locations/%s/queues/%s/tasks",
		q.baseURL, q.project, q.location, q.queue)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("taskqueue: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	token, err := q.tokenSource(ctx)
	if err != nil {
		return "", fmt.Errorf("taskqueue: fetch token: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)

	resp, err := q.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("taskqueue: request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("taskqueue: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("%w with status %d: %s", ErrCreateFailed, resp.StatusCode, string(respBody))
	}

	var created createTaskResponse
	if err := json.Unmarshal(respBody, &created); err != nil {
		return "", fmt.Errorf("taskqueue: unmarshal response: %w", err)
	}
	return created.Name, nil
}

// metadataToken builds a TokenSource backed by the GCE metadata server.
func metadataToken(client *http.Client) TokenSource {
	return func(ctx context.Context) (string, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, metadataTokenURL, nil)
		if err != nil {
			return "", fmt.Errorf("taskqueue: create token request: %w", err)
		}
		req.Header.Set("Metadata-Flavor", "Google")

		resp, err := client.Do(req)
		if err != nil {
			return "", fmt.Errorf("taskqueue: token request failed: %w", err)
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode != http.StatusOK {
			return "", fmt.Errorf("taskqueue: token request returned %d", resp.StatusCode)
		}

		var token struct {
			AccessToken string `json:"access_token"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&token); err != nil {
			return "", fmt.Errorf("taskqueue: decode token: %w", err)
		}
		return token.AccessToken, nil
	}
}
