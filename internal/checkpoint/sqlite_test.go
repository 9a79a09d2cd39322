package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store, err := NewSQLiteStore(db)
	require.NoError(t, err)
	return store
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	cp := &Checkpoint{
		UploadID:           "u1",
		CurrentStep:        StepOCR,
		TotalScenes:        250,
		CompletedOCRScenes: []int{0, 1, 2},
		RetryCount:         1,
		UpdatedAt:          now,
		ExpiresAt:          now.Add(TTL),
		State:              json.RawMessage(`{"file_name":"clip.mp4"}`),
	}
	require.NoError(t, store.Save(ctx, cp))

	got, err := store.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, StepOCR, got.CurrentStep)
	assert.Equal(t, 250, got.TotalScenes)
	assert.Equal(t, []int{0, 1, 2}, got.CompletedOCRScenes)
	assert.Equal(t, 1, got.RetryCount)
	assert.JSONEq(t, `{"file_name":"clip.mp4"}`, string(got.State))

	// Save replaces the whole row.
	cp.CompletedOCRScenes = []int{0, 1, 2, 3, 4}
	cp.RetryCount = 0
	require.NoError(t, store.Save(ctx, cp))

	got, err = store.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, got.CompletedOCRScenes, 5)
	assert.Zero(t, got.RetryCount)
}

func TestSQLiteStoreGetMissing(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteStoreDelete(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, store.Save(ctx, &Checkpoint{
		UploadID: "u1", CurrentStep: StepDownload,
		UpdatedAt: now, ExpiresAt: now.Add(TTL),
	}))
	require.NoError(t, store.Delete(ctx, "u1"))

	_, err := store.Get(ctx, "u1")
	assert.ErrorIs(t, err, ErrNotFound)

	// Deleting a missing row is fine.
	assert.NoError(t, store.Delete(ctx, "u1"))
}

func TestSQLiteStoreDeleteExpired(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, store.Save(ctx, &Checkpoint{
		UploadID: "old", CurrentStep: StepOCR,
		UpdatedAt: now.Add(-2 * TTL), ExpiresAt: now.Add(-TTL),
	}))
	require.NoError(t, store.Save(ctx, &Checkpoint{
		UploadID: "fresh", CurrentStep: StepOCR,
		UpdatedAt: now, ExpiresAt: now.Add(TTL),
	}))

	deleted, err := store.DeleteExpired(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	_, err = store.Get(ctx, "old")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.Get(ctx, "fresh")
	assert.NoError(t, err)
}
