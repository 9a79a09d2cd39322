package status

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	mu      sync.Mutex
	rows    map[string]JobStatus
	upserts int
	failing bool
}

func newMemStore() *memStore {
	return &memStore{rows: make(map[string]JobStatus)}
}

func (m *memStore) Upsert(_ context.Context, s *JobStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing {
		return errors.New("store down")
	}
	m.rows[s.UploadID] = *s
	m.upserts++
	return nil
}

func (m *memStore) Get(_ context.Context, uploadID string) (*JobStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[uploadID]
	if !ok {
		return nil, ErrNotFound
	}
	return &row, nil
}

func (m *memStore) Touch(_ context.Context, uploadID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[uploadID]
	if !ok {
		return ErrNotFound
	}
	row.UpdatedAt = at
	m.rows[uploadID] = row
	return nil
}

func (m *memStore) row(uploadID string) JobStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rows[uploadID]
}

func (m *memStore) writeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.upserts
}

func TestWriterUpdate(t *testing.T) {
	ctx := context.Background()

	t.Run("first update writes the row", func(t *testing.T) {
		store := newMemStore()
		w := NewWriter(store, "u1", nil, false)

		require.NoError(t, w.Update(ctx, Update{Status: StatusDownloading, Progress: 10, Stage: StageDownloading}))

		row := store.row("u1")
		assert.Equal(t, StatusDownloading, row.Status)
		assert.Equal(t, 10, row.Progress)
		assert.Equal(t, StageDownloading, row.Stage)
		assert.False(t, row.UpdatedAt.IsZero())
	})

	t.Run("progress never regresses", func(t *testing.T) {
		store := newMemStore()
		w := NewWriter(store, "u1", nil, false)

		require.NoError(t, w.Update(ctx, Update{Status: StatusProcessing, Progress: 50}))
		require.NoError(t, w.Update(ctx, Update{Progress: 30}))

		assert.Equal(t, 50, store.row("u1").Progress)
	})

	t.Run("small progress advances are coalesced", func(t *testing.T) {
		store := newMemStore()
		w := NewWriter(store, "u1", nil, false)

		require.NoError(t, w.Update(ctx, Update{Status: StatusProcessing, Progress: 50}))
		writes := store.writeCount()

		require.NoError(t, w.Update(ctx, Update{Progress: 51}))
		assert.Equal(t, writes, store.writeCount())

		// A stage change always writes, carrying the accumulated progress.
		require.NoError(t, w.Update(ctx, Update{Stage: StageOCRProcessing}))
		assert.Equal(t, writes+1, store.writeCount())
		assert.Equal(t, 51, store.row("u1").Progress)
	})

	t.Run("progress is capped at 100", func(t *testing.T) {
		store := newMemStore()
		w := NewWriter(store, "u1", nil, false)

		require.NoError(t, w.Update(ctx, Update{Status: StatusProcessing, Progress: 140}))
		assert.Equal(t, 100, store.row("u1").Progress)
	})

	t.Run("phase advance resets phase progress", func(t *testing.T) {
		store := newMemStore()
		w := NewWriter(store, "u1", nil, false)

		require.NoError(t, w.Update(ctx, Update{Status: StatusProcessing, Phase: 1, PhaseProgress: 80}))
		require.NoError(t, w.Update(ctx, Update{Phase: 2}))

		row := store.row("u1")
		assert.Equal(t, 2, row.Phase)
		assert.Zero(t, row.PhaseProgress)
	})

	t.Run("development swallows write failures", func(t *testing.T) {
		store := newMemStore()
		store.failing = true
		w := NewWriter(store, "u1", nil, false)

		assert.NoError(t, w.Update(ctx, Update{Status: StatusProcessing}))
	})

	t.Run("production surfaces write failures", func(t *testing.T) {
		store := newMemStore()
		store.failing = true
		w := NewWriter(store, "u1", nil, true)

		assert.Error(t, w.Update(ctx, Update{Status: StatusProcessing}))
	})
}

func TestWriterComplete(t *testing.T) {
	store := newMemStore()
	w := NewWriter(store, "u1", nil, false)

	meta := &Metadata{TotalScenes: 12, DetectionMode: "standard"}
	require.NoError(t, w.Complete(context.Background(), "results/u/u1/report.xlsx", meta))

	row := store.row("u1")
	assert.Equal(t, StatusCompleted, row.Status)
	assert.Equal(t, 100, row.Progress)
	assert.Equal(t, StageCompleted, row.Stage)
	assert.Equal(t, "results/u/u1/report.xlsx", row.ResultKey)
	require.NotNil(t, row.Metadata)
	assert.Equal(t, 12, row.Metadata.TotalScenes)
}

func TestWriterFail(t *testing.T) {
	store := newMemStore()
	w := NewWriter(store, "u1", nil, false)
	require.NoError(t, w.Update(context.Background(), Update{Status: StatusProcessing, Progress: 40}))

	require.NoError(t, w.Fail(context.Background(), "Processing stopped unexpectedly. Please submit the video again."))

	row := store.row("u1")
	assert.Equal(t, StatusError, row.Status)
	assert.Contains(t, row.Error, "Please submit the video again")
	// Progress stays where it was for diagnosis.
	assert.Equal(t, 40, row.Progress)
}

func TestNewResumedWriter(t *testing.T) {
	store := newMemStore()
	seed := JobStatus{
		UploadID: "u1",
		Status:   StatusProcessing,
		Progress: 47,
		Phase:    2,
		Stage:    StageBatchProcessing,
	}

	w := NewResumedWriter(store, seed, nil, false)

	// Lower progress from a continuation request must not regress the row.
	require.NoError(t, w.Update(context.Background(), Update{Progress: 30, SubTask: "batch 2/5"}))

	row := store.row("u1")
	assert.Equal(t, 47, row.Progress)
	assert.Equal(t, "batch 2/5", row.SubTask)
}

func TestJobStatusStale(t *testing.T) {
	now := time.Now()

	fresh := &JobStatus{Status: StatusProcessing, UpdatedAt: now.Add(-time.Minute)}
	assert.False(t, fresh.Stale(now))

	stale := &JobStatus{Status: StatusProcessing, UpdatedAt: now.Add(-6 * time.Minute)}
	assert.True(t, stale.Stale(now))

	done := &JobStatus{Status: StatusCompleted, UpdatedAt: now.Add(-time.Hour)}
	assert.False(t, done.Stale(now))
}
