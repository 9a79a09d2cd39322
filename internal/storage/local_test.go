package storage

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalStore(t *testing.T) {
	ctx := context.Background()
	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)

	key := SourceKey("user-1", "up-1")

	t.Run("upload then download", func(t *testing.T) {
		require.NoError(t, store.Upload(ctx, key, "video/mp4", strings.NewReader("video bytes")))

		dest := filepath.Join(t.TempDir(), "source.mp4")
		var lastDone, total int64
		require.NoError(t, store.Download(ctx, key, dest, func(done, t int64) {
			lastDone, total = done, t
		}))

		data, err := os.ReadFile(dest)
		require.NoError(t, err)
		assert.Equal(t, "video bytes", string(data))
		assert.Equal(t, int64(len("video bytes")), lastDone)
		assert.Equal(t, int64(len("video bytes")), total)
	})

	t.Run("download without progress callback", func(t *testing.T) {
		dest := filepath.Join(t.TempDir(), "source.mp4")
		assert.NoError(t, store.Download(ctx, key, dest, nil))
	})

	t.Run("download of a missing key fails", func(t *testing.T) {
		dest := filepath.Join(t.TempDir(), "missing.mp4")
		assert.Error(t, store.Download(ctx, "uploads/none/none/source.mp4", dest, nil))
	})

	t.Run("delete is idempotent", func(t *testing.T) {
		require.NoError(t, store.Delete(ctx, key))
		assert.NoError(t, store.Delete(ctx, key))

		dest := filepath.Join(t.TempDir(), "gone.mp4")
		assert.Error(t, store.Download(ctx, key, dest, nil))
	})
}

func TestFileSink(t *testing.T) {
	ctx := context.Background()
	sink, err := NewFileSink(t.TempDir())
	require.NoError(t, err)

	key := "results/user-1/up-1/report.xlsx"

	stored, err := sink.Put(ctx, key, bytes.NewReader([]byte("xlsx bytes")))
	require.NoError(t, err)
	assert.Equal(t, key, stored)

	rc, err := sink.Open(ctx, key)
	require.NoError(t, err)
	defer func() { _ = rc.Close() }()

	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "xlsx bytes", string(data))

	_, err = sink.Open(ctx, "results/none.xlsx")
	assert.ErrorIs(t, err, ErrResultNotFound)
}

func TestObjectSinkOpenUnsupported(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)

	sink := NewObjectSink(store)
	_, err = sink.Open(context.Background(), "results/x.xlsx")
	assert.ErrorIs(t, err, ErrResultNotFound)
}
