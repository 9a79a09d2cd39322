// Package storage provides the object-store port for source videos and
// result artifacts, plus the ResultSink abstraction that separates the
// development (filesystem) and production (object store) result paths.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"
)

// ErrResultNotFound is returned when a result artifact cannot be found.
var ErrResultNotFound = errors.New("storage: result not found")

// DownloadTimeout bounds a single source-video download.
const DownloadTimeout = 300 * time.Second

// ProgressFunc receives download progress as bytes transferred out of total.
// Total is 0 when the object size is unknown.
type ProgressFunc func(done, total int64)

// ObjectStore is the port for the S3-compatible object store holding source
// videos and result artifacts.
type ObjectStore interface {
	// Download fetches the object at key into destPath, reporting progress.
	Download(ctx context.Context, key, destPath string, progress ProgressFunc) error

	// Upload stores the reader's contents at key with the given content type.
	Upload(ctx context.Context, key, contentType string, data io.Reader) error

	// Delete removes the object at key. A missing object is treated as
	// success: on any terminal job state the source key must be gone.
	Delete(ctx context.Context, key string) error
}

// ResultSink receives the finished report artifact. The filesystem
// implementation serves development; production writes to the object store.
// The two are never mixed at runtime.
type ResultSink interface {
	// Put stores the artifact under key and returns the stored key.
	Put(ctx context.Context, key string, data io.Reader) (string, error)

	// Open retrieves a stored artifact for streaming. Only the filesystem
	// sink supports this; the object-store sink returns ErrResultNotFound
	// since production downloads go through pre-signed URLs.
	Open(ctx context.Context, key string) (io.ReadCloser, error)
}

// SourceKey returns the object key for an uploaded video.
func SourceKey(userID, uploadID string) string {
	return fmt.Sprintf("uploads/%s/%s/source.mp4", userID, uploadID)
}

// ResultKey returns the object key for a result artifact. The title is
// sanitized and the timestamp is ISO-8601 with ':' and '.' replaced by '-'.
func ResultKey(userID, uploadID, title string, at time.Time) string {
	ts := at.UTC().Format("2006-01-02T15:04:05.000Z")
	ts = strings.NewReplacer(":", "-", ".", "-").Replace(ts)
	return fmt.Sprintf("results/%s/%s/%s_%s.xlsx", userID, uploadID, SanitizeTitle(title), ts)
}

var unsafeTitleChars = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// SanitizeTitle replaces every character outside [A-Za-z0-9_-] with '_' and
// truncates the result to 50 characters.
func SanitizeTitle(title string) string {
	s := unsafeTitleChars.ReplaceAllString(title, "_")
	if len(s) > 50 {
		s = s[:50]
	}
	return s
}
