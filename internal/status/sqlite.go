package status

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3" // sqlite driver
)

// Compile-time check that SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore is the development implementation of Store backed by a local
// sqlite file. Production uses RESTStore against the managed status store.
type SQLiteStore struct {
	db *sql.DB
}

const statusSchema = `
CREATE TABLE IF NOT EXISTS job_status (
	upload_id TEXT PRIMARY KEY,
	status TEXT NOT NULL,
	progress INTEGER NOT NULL DEFAULT 0,
	phase INTEGER NOT NULL DEFAULT 0,
	phase_progress INTEGER NOT NULL DEFAULT 0,
	phase_status TEXT NOT NULL DEFAULT '',
	stage TEXT NOT NULL DEFAULT '',
	sub_task TEXT NOT NULL DEFAULT '',
	estimated_time_remaining TEXT NOT NULL DEFAULT '',
	started_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	result_key TEXT NOT NULL DEFAULT '',
	metadata TEXT,
	error TEXT NOT NULL DEFAULT ''
);`

// OpenSQLite opens (and migrates) the sqlite database at path.
func OpenSQLite(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("status: open sqlite: %w", err)
	}
	if _, err := db.Exec(statusSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("status: migrate: %w", err)
	}
	return db, nil
}

// NewSQLiteStore creates a SQLiteStore on an already-open database.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// Upsert creates or fully replaces the row for s.UploadID.
func (st *SQLiteStore) Upsert(ctx context.Context, s *JobStatus) error {
	var meta sql.NullString
	if s.Metadata != nil {
		b, err := json.Marshal(s.Metadata)
		if err != nil {
			return fmt.Errorf("status: marshal metadata: %w", err)
		}
		meta = sql.NullString{String: string(b), Valid: true}
	}

	_, err := st.db.ExecContext(ctx, `
		INSERT INTO job_status (
			upload_id, status, progress, phase, phase_progress, phase_status,
			stage, sub_task, estimated_time_remaining, started_at, updated_at,
			result_key, metadata, error
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(upload_id) DO UPDATE SET
			status = excluded.status,
			progress = excluded.progress,
			phase = excluded.phase,
			phase_progress = excluded.phase_progress,
			phase_status = excluded.phase_status,
			stage = excluded.stage,
			sub_task = excluded.sub_task,
			estimated_time_remaining = excluded.estimated_time_remaining,
			started_at = excluded.started_at,
			updated_at = excluded.updated_at,
			result_key = excluded.result_key,
			metadata = excluded.metadata,
			error = excluded.error`,
		s.UploadID, string(s.Status), s.Progress, s.Phase, s.PhaseProgress,
		string(s.PhaseStatus), string(s.Stage), s.SubTask,
		s.EstimatedTimeRemaining, s.StartedAt, s.UpdatedAt, s.ResultKey,
		meta, s.Error,
	)
	if err != nil {
		return fmt.Errorf("status: upsert: %w", err)
	}
	return nil
}

// Get retrieves the row for the given upload ID.
func (st *SQLiteStore) Get(ctx context.Context, uploadID string) (*JobStatus, error) {
	row := st.db.QueryRowContext(ctx, `
		SELECT upload_id, status, progress, phase, phase_progress, phase_status,
			stage, sub_task, estimated_time_remaining, started_at, updated_at,
			result_key, metadata, error
		FROM job_status WHERE upload_id = ?`, uploadID)

	var (
		s    JobStatus
		meta sql.NullString
	)
	err := row.Scan(
		&s.UploadID, &s.Status, &s.Progress, &s.Phase, &s.PhaseProgress,
		&s.PhaseStatus, &s.Stage, &s.SubTask, &s.EstimatedTimeRemaining,
		&s.StartedAt, &s.UpdatedAt, &s.ResultKey, &meta, &s.Error,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("status: get: %w", err)
	}

	if meta.Valid && meta.String != "" {
		m := &Metadata{}
		if err := json.Unmarshal([]byte(meta.String), m); err != nil {
			return nil, fmt.Errorf("status: unmarshal metadata: %w", err)
		}
		s.Metadata = m
	}

	return &s, nil
}

// Touch advances updated_at without changing any other column.
func (st *SQLiteStore) Touch(ctx context.Context, uploadID string, at time.Time) error {
	res, err := st.db.ExecContext(ctx,
		`UPDATE job_status SET updated_at = ? WHERE upload_id = ?`, at, uploadID)
	if err != nil {
		return fmt.Errorf("status: touch: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}
