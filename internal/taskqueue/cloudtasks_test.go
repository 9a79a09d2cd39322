package taskqueue

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func staticToken(token string) TokenSource {
	return func(context.Context) (string, error) {
		return token, nil
	}
}

func TestNewCloudTasks(t *testing.T) {
	tests := []struct {
		name                             string
		project, location, queue, worker string
		wantErr                          error
	}{
		{"missing project", "", "loc", "q", "http://w", ErrProjectRequired},
		{"missing location", "p", "", "q", "http://w", ErrLocationRequired},
		{"missing queue", "p", "loc", "", "http://w", ErrQueueRequired},
		{"missing worker URL", "p", "loc", "q", "", ErrTargetRequired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewCloudTasks(tt.project, tt.location, tt.queue, tt.worker, "secret")
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestCloudTasksEnqueueProcess(t *testing.T) {
	var got createTaskRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/projects/p1/locations/asia-northeast1/queues/jobs/tasks", r.URL.Path)
		assert.Equal(t, "Bearer api-token", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"name": "projects/p1/locations/asia-northeast1/queues/jobs/tasks/t-1"}`))
	}))
	defer srv.Close()

	q, err := NewCloudTasks("p1", "asia-northeast1", "jobs", "https://worker.example", "hook-secret",
		WithBaseURL(srv.URL), WithTokenSource(staticToken("api-token")))
	require.NoError(t, err)

	name, err := q.EnqueueProcess(context.Background(), ProcessTask{UploadID: "u1", R2Key: "k", UserID: "user"})
	require.NoError(t, err)
	assert.Equal(t, "projects/p1/locations/asia-northeast1/queues/jobs/tasks/t-1", name)

	assert.Equal(t, "1800s", got.Task.DispatchDeadline)
	assert.Equal(t, "https://worker.example/process-task", got.Task.HTTPRequest.URL)
	assert.Equal(t, "Bearer hook-secret", got.Task.HTTPRequest.Headers["Authorization"])

	payload, err := base64.StdEncoding.DecodeString(got.Task.HTTPRequest.Body)
	require.NoError(t, err)
	var task ProcessTask
	require.NoError(t, json.Unmarshal(payload, &task))
	assert.Equal(t, "u1", task.UploadID)
}

func TestCloudTasksEnqueueBatch(t *testing.T) {
	var got createTaskRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"name": "t-2"}`))
	}))
	defer srv.Close()

	q, err := NewCloudTasks("p1", "loc", "jobs", "https://worker.example", "hook-secret",
		WithBaseURL(srv.URL), WithTokenSource(staticToken("api-token")))
	require.NoError(t, err)

	require.NoError(t, q.EnqueueBatch(context.Background(), BatchTask{UploadID: "u1", BatchIndex: 1}, 2*time.Second))

	assert.Equal(t, "https://worker.example/process-ocr-batch", got.Task.HTTPRequest.URL)
	require.NotEmpty(t, got.Task.ScheduleTime)
	at, err := time.Parse(time.RFC3339, got.Task.ScheduleTime)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(2*time.Second), at, 5*time.Second)
}

func TestCloudTasksCreateFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	q, err := NewCloudTasks("p1", "loc", "jobs", "https://worker.example", "hook-secret",
		WithBaseURL(srv.URL), WithTokenSource(staticToken("api-token")))
	require.NoError(t, err)

	_, err = q.EnqueueProcess(context.Background(), ProcessTask{UploadID: "u1"})
	assert.ErrorIs(t, err, ErrCreateFailed)
}
