package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Compile-time check that LocalStore implements ObjectStore.
var _ ObjectStore = (*LocalStore)(nil)

// LocalStore implements ObjectStore on the local filesystem, mirroring
// object keys as relative paths under a root directory. Development only.
type LocalStore struct {
	dir string
}

// NewLocalStore creates a LocalStore rooted at dir, creating it if needed.
func NewLocalStore(dir string) (*LocalStore, error) {
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "scenereport-objects")
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("create object directory: %w", err)
	}
	return &LocalStore{dir: dir}, nil
}

// Download copies the object at key into destPath, reporting progress.
func (s *LocalStore) Download(ctx context.Context, key, destPath string, progress ProgressFunc) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("context cancelled: %w", ctx.Err())
	default:
	}

	src, err := os.Open(s.path(key)) // #nosec G304 - key is cleaned under the root
	if err != nil {
		return fmt.Errorf("open object %s: %w", key, err)
	}
	defer func() { _ = src.Close() }()

	info, err := src.Stat()
	if err != nil {
		return fmt.Errorf("stat object %s: %w", key, err)
	}

	dst, err := os.Create(destPath) // #nosec G304 - path is constructed internally
	if err != nil {
		return fmt.Errorf("create destination: %w", err)
	}

	var reader io.Reader = src
	if progress != nil {
		reader = &progressReader{r: src, total: info.Size(), fn: progress}
	}
	if _, err := io.Copy(dst, reader); err != nil {
		_ = dst.Close()
		_ = os.Remove(destPath)
		return fmt.Errorf("copy object %s: %w", key, err)
	}
	if err := dst.Close(); err != nil {
		return fmt.Errorf("close destination: %w", err)
	}
	return nil
}

// Upload stores the reader's contents at key.
func (s *LocalStore) Upload(ctx context.Context, key, _ string, data io.Reader) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("context cancelled: %w", ctx.Err())
	default:
	}

	path := s.path(key)
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("create object directory: %w", err)
	}
	f, err := os.Create(path) // #nosec G304 - key is cleaned under the root
	if err != nil {
		return fmt.Errorf("create object %s: %w", key, err)
	}
	if _, err := io.Copy(f, data); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return fmt.Errorf("write object %s: %w", key, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close object %s: %w", key, err)
	}
	return nil
}

// Delete removes the object at key. A missing object counts as success.
func (s *LocalStore) Delete(_ context.Context, key string) error {
	if err := os.Remove(s.path(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete object %s: %w", key, err)
	}
	return nil
}

// path maps a key into the root, refusing traversal outside it.
func (s *LocalStore) path(key string) string {
	return filepath.Join(s.dir, filepath.Clean("/"+key))
}
