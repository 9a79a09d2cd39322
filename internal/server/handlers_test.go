package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scenereport/worker/internal/checkpoint"
	"github.com/scenereport/worker/internal/quota"
	"github.com/scenereport/worker/internal/status"
	"github.com/scenereport/worker/internal/storage"
	"github.com/scenereport/worker/internal/taskqueue"
)

type fakeQueue struct {
	tasks []taskqueue.ProcessTask
	name  string
	err   error
}

func (q *fakeQueue) EnqueueProcess(_ context.Context, task taskqueue.ProcessTask) (string, error) {
	if q.err != nil {
		return "", q.err
	}
	q.tasks = append(q.tasks, task)
	return q.name, nil
}

func (q *fakeQueue) EnqueueBatch(context.Context, taskqueue.BatchTask, time.Duration) error {
	return q.err
}

type memStatuses struct {
	rows map[string]*status.JobStatus
}

func newMemStatuses() *memStatuses {
	return &memStatuses{rows: map[string]*status.JobStatus{}}
}

func (m *memStatuses) Upsert(_ context.Context, s *status.JobStatus) error {
	cp := *s
	m.rows[s.UploadID] = &cp
	return nil
}

func (m *memStatuses) Get(_ context.Context, uploadID string) (*status.JobStatus, error) {
	row, ok := m.rows[uploadID]
	if !ok {
		return nil, status.ErrNotFound
	}
	cp := *row
	return &cp, nil
}

func (m *memStatuses) Touch(_ context.Context, uploadID string, at time.Time) error {
	row, ok := m.rows[uploadID]
	if !ok {
		return status.ErrNotFound
	}
	row.UpdatedAt = at
	return nil
}

type fakeCheckpoints struct {
	deleted int
	err     error
}

func (f *fakeCheckpoints) Save(context.Context, *checkpoint.Checkpoint) error { return nil }

func (f *fakeCheckpoints) Get(context.Context, string) (*checkpoint.Checkpoint, error) {
	return nil, checkpoint.ErrNotFound
}

func (f *fakeCheckpoints) Delete(context.Context, string) error { return nil }

func (f *fakeCheckpoints) DeleteExpired(context.Context, time.Time) (int, error) {
	return f.deleted, f.err
}

type fakeSink struct {
	objects map[string][]byte
}

func (f *fakeSink) Put(_ context.Context, key string, data io.Reader) (string, error) {
	b, err := io.ReadAll(data)
	if err != nil {
		return "", err
	}
	if f.objects == nil {
		f.objects = map[string][]byte{}
	}
	f.objects[key] = b
	return key, nil
}

func (f *fakeSink) Open(_ context.Context, key string) (io.ReadCloser, error) {
	b, ok := f.objects[key]
	if !ok {
		return nil, storage.ErrResultNotFound
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

type handlerFixture struct {
	handlers *Handlers
	queue    *fakeQueue
	statuses *memStatuses
	checks   *fakeCheckpoints
	sink     *fakeSink
}

func newFixture(t *testing.T, opts ...HandlerOption) *handlerFixture {
	t.Helper()
	f := &handlerFixture{
		queue:    &fakeQueue{name: "tasks/t-1"},
		statuses: newMemStatuses(),
		checks:   &fakeCheckpoints{},
		sink:     &fakeSink{},
	}
	f.handlers = NewHandlers(Deps{
		Statuses:    f.statuses,
		Checkpoints: f.checks,
		Queue:       f.queue,
		Quota:       quota.NewClient(""),
		Results:     f.sink,
	}, opts...)
	return f
}

func processBody(t *testing.T, overrides map[string]any) *bytes.Reader {
	t.Helper()
	body := map[string]any{
		"upload_id":    "up-1",
		"r2_key":       "uploads/user-1/up-1/source.mp4",
		"file_name":    "source.mp4",
		"user_id":      "user-1",
		"data_consent": false,
	}
	for k, v := range overrides {
		if v == nil {
			delete(body, k)
			continue
		}
		body[k] = v
	}
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	return bytes.NewReader(raw)
}

func TestHealth(t *testing.T) {
	f := newFixture(t, WithBuildInfo(BuildInfo{Revision: "rev-7", Commit: "abc1234"}))

	rec := httptest.NewRecorder()
	f.handlers.Health(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "rev-7", resp.Revision)
}

func TestProcess(t *testing.T) {
	t.Run("rejects invalid JSON", func(t *testing.T) {
		f := newFixture(t)
		rec := httptest.NewRecorder()
		f.handlers.Process(rec, httptest.NewRequest(http.MethodPost, "/process", strings.NewReader("{not json")))

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		var resp ErrorResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "INVALID_JSON", resp.Code)
	})

	t.Run("rejects missing data consent", func(t *testing.T) {
		f := newFixture(t)
		rec := httptest.NewRecorder()
		f.handlers.Process(rec, httptest.NewRequest(http.MethodPost, "/process",
			processBody(t, map[string]any{"data_consent": nil})))

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		var resp ErrorResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "VALIDATION_ERROR", resp.Code)
		assert.Empty(t, f.queue.tasks)
	})

	t.Run("rejects unknown detection mode", func(t *testing.T) {
		f := newFixture(t)
		rec := httptest.NewRecorder()
		f.handlers.Process(rec, httptest.NewRequest(http.MethodPost, "/process",
			processBody(t, map[string]any{"detection_mode": "turbo"})))

		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("enqueues and seeds a pending row", func(t *testing.T) {
		f := newFixture(t)
		rec := httptest.NewRecorder()
		f.handlers.Process(rec, httptest.NewRequest(http.MethodPost, "/process", processBody(t, nil)))

		require.Equal(t, http.StatusOK, rec.Code)
		var resp ProcessResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.True(t, resp.Success)
		assert.Equal(t, "tasks/t-1", resp.TaskName)
		assert.Equal(t, "standard", resp.DetectionMode)

		require.Len(t, f.queue.tasks, 1)
		task := f.queue.tasks[0]
		assert.Equal(t, "up-1", task.UploadID)
		assert.False(t, task.DataConsent)
		assert.Equal(t, "standard", task.DetectionMode)

		row, err := f.statuses.Get(context.Background(), "up-1")
		require.NoError(t, err)
		assert.Equal(t, status.StatusPending, row.Status)
		assert.Equal(t, 1, row.Phase)
	})

	t.Run("enqueue failure leaves no status row", func(t *testing.T) {
		f := newFixture(t)
		f.queue.err = errors.New("queue down")
		rec := httptest.NewRecorder()
		f.handlers.Process(rec, httptest.NewRequest(http.MethodPost, "/process", processBody(t, nil)))

		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		var resp ErrorResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "ENQUEUE_FAILED", resp.Code)

		_, err := f.statuses.Get(context.Background(), "up-1")
		assert.ErrorIs(t, err, status.ErrNotFound)
	})

	t.Run("exhausted quota blocks intake", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`{"plan_type": "free", "quota": 5, "used": 5, "remaining": 0}`))
		}))
		defer srv.Close()

		f := newFixture(t)
		f.handlers.deps.Quota = quota.NewClient(srv.URL)

		rec := httptest.NewRecorder()
		f.handlers.Process(rec, httptest.NewRequest(http.MethodPost, "/process", processBody(t, nil)))

		require.Equal(t, http.StatusPaymentRequired, rec.Code)
		var resp QuotaExceededResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "QUOTA_EXCEEDED", resp.Code)
		assert.Equal(t, "free", resp.PlanType)
		assert.Empty(t, f.queue.tasks)
	})

	t.Run("unreachable quota service does not block", func(t *testing.T) {
		f := newFixture(t)
		f.handlers.deps.Quota = quota.NewClient("http://127.0.0.1:1")

		rec := httptest.NewRecorder()
		f.handlers.Process(rec, httptest.NewRequest(http.MethodPost, "/process", processBody(t, nil)))

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Len(t, f.queue.tasks, 1)
	})
}

func statusRequest(uploadID string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/status/"+uploadID, nil)
	req.SetPathValue("upload_id", uploadID)
	return req
}

func TestStatus(t *testing.T) {
	t.Run("unknown upload", func(t *testing.T) {
		f := newFixture(t)
		rec := httptest.NewRecorder()
		f.handlers.Status(rec, statusRequest("missing"))

		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("returns the row", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.statuses.Upsert(context.Background(), &status.JobStatus{
			UploadID:  "up-1",
			Status:    status.StatusProcessing,
			Progress:  42,
			Stage:     status.StageOCRProcessing,
			UpdatedAt: time.Now(),
		}))

		rec := httptest.NewRecorder()
		f.handlers.Status(rec, statusRequest("up-1"))

		require.Equal(t, http.StatusOK, rec.Code)
		var resp map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "processing", resp["status"])
		assert.EqualValues(t, 42, resp["progress"])
		assert.NotContains(t, resp, "stale")
	})

	t.Run("flags abandoned jobs as stale", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.statuses.Upsert(context.Background(), &status.JobStatus{
			UploadID:  "up-1",
			Status:    status.StatusProcessing,
			UpdatedAt: time.Now().Add(-10 * time.Minute),
		}))

		rec := httptest.NewRecorder()
		f.handlers.Status(rec, statusRequest("up-1"))

		require.Equal(t, http.StatusOK, rec.Code)
		var resp map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, true, resp["stale"])
	})
}

func resultRequest(uploadID string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/result/"+uploadID, nil)
	req.SetPathValue("upload_id", uploadID)
	return req
}

func TestResult(t *testing.T) {
	t.Run("disabled in production", func(t *testing.T) {
		f := newFixture(t, WithProduction(true))
		rec := httptest.NewRecorder()
		f.handlers.Result(rec, resultRequest("up-1"))

		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("not ready until completed", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.statuses.Upsert(context.Background(), &status.JobStatus{
			UploadID: "up-1",
			Status:   status.StatusProcessing,
		}))

		rec := httptest.NewRecorder()
		f.handlers.Result(rec, resultRequest("up-1"))

		assert.Equal(t, http.StatusNotFound, rec.Code)
		var resp ErrorResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "RESULT_NOT_READY", resp.Code)
	})

	t.Run("streams the stored report", func(t *testing.T) {
		f := newFixture(t)
		key, err := f.sink.Put(context.Background(), "results/user-1/up-1/report.xlsx", strings.NewReader("xlsx-bytes"))
		require.NoError(t, err)
		require.NoError(t, f.statuses.Upsert(context.Background(), &status.JobStatus{
			UploadID:  "up-1",
			Status:    status.StatusCompleted,
			ResultKey: key,
		}))

		rec := httptest.NewRecorder()
		f.handlers.Result(rec, resultRequest("up-1"))

		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, xlsxContentType, rec.Header().Get("Content-Type"))
		assert.Contains(t, rec.Header().Get("Content-Disposition"), "attachment")
		assert.Equal(t, "xlsx-bytes", rec.Body.String())
	})
}

func TestCleanupCheckpoints(t *testing.T) {
	t.Run("reports the sweep count", func(t *testing.T) {
		f := newFixture(t)
		f.checks.deleted = 7

		rec := httptest.NewRecorder()
		f.handlers.CleanupCheckpoints(rec, httptest.NewRequest(http.MethodPost, "/cron/cleanup-checkpoints", nil))

		require.Equal(t, http.StatusOK, rec.Code)
		var resp CleanupResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, 7, resp.DeletedCount)
	})

	t.Run("sweep failure", func(t *testing.T) {
		f := newFixture(t)
		f.checks.err = errors.New("db gone")

		rec := httptest.NewRecorder()
		f.handlers.CleanupCheckpoints(rec, httptest.NewRequest(http.MethodPost, "/cron/cleanup-checkpoints", nil))

		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	})
}
