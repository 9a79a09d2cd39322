package taskqueue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// Loopback posts tasks straight back to the worker after the delay.
// Development stand-in for Cloud Tasks; it retries delivery the way the
// real queue would, up to MaxDeliveryAttempts.
type Loopback struct {
	workerURL    string
	workerSecret string
	httpClient   *http.Client
	logger       *slog.Logger
}

// MaxDeliveryAttempts mirrors the production queue's retry budget.
const MaxDeliveryAttempts = 3

// NewLoopback creates a Loopback queue delivering to the worker at workerURL.
func NewLoopback(workerURL, workerSecret string, logger *slog.Logger) (*Loopback, error) {
	if workerURL == "" {
		return nil, ErrTargetRequired
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Loopback{
		workerURL:    workerURL,
		workerSecret: workerSecret,
		httpClient:   &http.Client{Timeout: 30 * time.Minute},
		logger:       logger,
	}, nil
}

var _ Queue = (*Loopback)(nil)

// EnqueueProcess dispatches the job to /process-task in a background
// goroutine and returns a synthetic task name.
func (q *Loopback) EnqueueProcess(_ context.Context, task ProcessTask) (string, error) {
	payload, err := json.Marshal(task)
	if err != nil {
		return "", fmt.Errorf("taskqueue: marshal process task: %w", err)
	}

	name := "loopback/" + uuid.NewString()
	go q.deliver(processTaskPath, task.UploadID, payload, 0)
	return name, nil
}

// EnqueueBatch schedules delivery in a background goroutine. The enqueue
// itself never fails; delivery failures are logged after the retry budget
// is exhausted, matching the fire-and-forget contract of the real queue.
func (q *Loopback) EnqueueBatch(_ context.Context, task BatchTask, delay time.Duration) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("taskqueue: marshal batch task: %w", err)
	}

	go q.deliver(batchTaskPath, task.UploadID, payload, delay)
	return nil
}

func (q *Loopback) deliver(path, uploadID string, payload []byte, delay time.Duration) {
	time.Sleep(delay)

	for attempt := 0; attempt < MaxDeliveryAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(attempt) * 2 * time.Second)
		}
		if err := q.post(path, payload, attempt); err != nil {
			q.logger.Warn("loopback delivery failed",
				slog.String("upload_id", uploadID),
				slog.String("path", path),
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)
			continue
		}
		return
	}

	q.logger.Error("loopback delivery gave up",
		slog.String("upload_id", uploadID),
		slog.String("path", path),
		slog.Int("attempts", MaxDeliveryAttempts),
	)
}

func (q *Loopback) post(path string, payload []byte, attempt int) error {
	req, err := http.NewRequest(http.MethodPost, q.workerURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("taskqueue: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+q.workerSecret)
	// The real queue stamps the delivery attempt; batch retry counting
	// reads this header.
	req.Header.Set("X-CloudTasks-TaskRetryCount", fmt.Sprintf("%d", attempt))

	resp, err := q.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("taskqueue: deliver: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w with status %d", ErrCreateFailed, resp.StatusCode)
	}
	return nil
}
