package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// Compile-time checks.
var (
	_ ResultSink = (*FileSink)(nil)
	_ ResultSink = (*ObjectSink)(nil)
)

// FileSink stores result artifacts on the local filesystem. Development only;
// it backs the /result endpoint.
type FileSink struct {
	dir string
}

// NewFileSink creates a FileSink rooted at dir, creating it if needed.
func NewFileSink(dir string) (*FileSink, error) {
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "scenereport-results")
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("create result directory: %w", err)
	}
	return &FileSink{dir: dir}, nil
}

// Put stores the artifact under key, flattening the key into a filename.
func (s *FileSink) Put(ctx context.Context, key string, data io.Reader) (string, error) {
	select {
	case <-ctx.Done():
		return "", fmt.Errorf("context cancelled: %w", ctx.Err())
	default:
	}

	path := filepath.Join(s.dir, flattenKey(key))
	f, err := os.Create(path) // #nosec G304 - path is constructed internally
	if err != nil {
		return "", fmt.Errorf("create result file: %w", err)
	}
	if _, err := io.Copy(f, data); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return "", fmt.Errorf("write result file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return "", fmt.Errorf("close result file: %w", err)
	}
	return key, nil
}

// Open retrieves a stored artifact for streaming.
func (s *FileSink) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("context cancelled: %w", ctx.Err())
	default:
	}

	f, err := os.Open(filepath.Join(s.dir, flattenKey(key))) // #nosec G304 - key is flattened
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrResultNotFound
		}
		return nil, fmt.Errorf("open result file: %w", err)
	}
	return f, nil
}

// flattenKey turns an object key into a single safe filename.
func flattenKey(key string) string {
	return strings.ReplaceAll(key, "/", "_")
}

// ObjectSink stores result artifacts in the object store. Production path;
// downloads are served through pre-signed URLs by the gateway, so Open is
// not supported here.
type ObjectSink struct {
	store ObjectStore
}

// NewObjectSink creates an ObjectSink on the given object store.
func NewObjectSink(store ObjectStore) *ObjectSink {
	return &ObjectSink{store: store}
}

// Put uploads the artifact to the object store under key.
func (s *ObjectSink) Put(ctx context.Context, key string, data io.Reader) (string, error) {
	if err := s.store.Upload(ctx, key, xlsxContentType, data); err != nil {
		return "", err
	}
	return key, nil
}

// Open is not supported by ObjectSink.
func (s *ObjectSink) Open(_ context.Context, _ string) (io.ReadCloser, error) {
	return nil, ErrResultNotFound
}
