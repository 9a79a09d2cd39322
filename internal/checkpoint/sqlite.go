package checkpoint

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

// SQLiteStore is the development implementation of Store. It shares the
// database handle with the status store.
type SQLiteStore struct {
	db *sql.DB
}

const checkpointSchema = `
CREATE TABLE IF NOT EXISTS checkpoints (
	upload_id TEXT PRIMARY KEY,
	current_step TEXT NOT NULL,
	total_scenes INTEGER NOT NULL DEFAULT 0,
	completed_ocr_scenes TEXT NOT NULL DEFAULT '[]',
	retry_count INTEGER NOT NULL DEFAULT 0,
	updated_at TIMESTAMP NOT NULL,
	expires_at TIMESTAMP NOT NULL,
	state TEXT
);`

// NewSQLiteStore creates a SQLiteStore and ensures its schema exists.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if _, err := db.Exec(checkpointSchema); err != nil {
		return nil, fmt.Errorf("checkpoint: migrate: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Save creates or replaces the checkpoint for c.UploadID.
func (st *SQLiteStore) Save(ctx context.Context, c *Checkpoint) error {
	scenes, err := json.Marshal(c.CompletedOCRScenes)
	if err != nil {
		return fmt.Errorf("checkpoint: marshal scenes: %w", err)
	}

	var state sql.NullString
	if len(c.State) > 0 {
		state = sql.NullString{String: string(c.State), Valid: true}
	}

	_, err = st.db.ExecContext(ctx, `
		INSERT INTO checkpoints (
			upload_id, current_step, total_scenes, completed_ocr_scenes,
			retry_count, updated_at, expires_at, state
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(upload_id) DO UPDATE SET
			current_step = excluded.current_step,
			total_scenes = excluded.total_scenes,
			completed_ocr_scenes = excluded.completed_ocr_scenes,
			retry_count = excluded.retry_count,
			updated_at = excluded.updated_at,
			expires_at = excluded.expires_at,
			state = excluded.state`,
		c.UploadID, string(c.CurrentStep), c.TotalScenes, string(scenes),
		c.RetryCount, c.UpdatedAt, c.ExpiresAt, state,
	)
	if err != nil {
		return fmt.Errorf("checkpoint: save: %w", err)
	}
	return nil
}

// Get retrieves the checkpoint for the given upload ID.
func (st *SQLiteStore) Get(ctx context.Context, uploadID string) (*Checkpoint, error) {
	row := st.db.QueryRowContext(ctx, `
		SELECT upload_id, current_step, total_scenes, completed_ocr_scenes,
			retry_count, updated_at, expires_at, state
		FROM checkpoints WHERE upload_id = ?`, uploadID)

	var (
		c      Checkpoint
		step   string
		scenes string
		state  sql.NullString
	)
	err := row.Scan(&c.UploadID, &step, &c.TotalScenes, &scenes,
		&c.RetryCount, &c.UpdatedAt, &c.ExpiresAt, &state)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("checkpoint: get: %w", err)
	}

	c.CurrentStep = Step(step)
	if err := json.Unmarshal([]byte(scenes), &c.CompletedOCRScenes); err != nil {
		return nil, fmt.Errorf("checkpoint: unmarshal scenes: %w", err)
	}
	if state.Valid && state.String != "" {
		c.State = json.RawMessage(state.String)
	}
	return &c, nil
}

// Delete removes the checkpoint. Deleting a missing row is not an error.
func (st *SQLiteStore) Delete(ctx context.Context, uploadID string) error {
	if _, err := st.db.ExecContext(ctx,
		`DELETE FROM checkpoints WHERE upload_id = ?`, uploadID); err != nil {
		return fmt.Errorf("checkpoint: delete: %w", err)
	}
	return nil
}

// DeleteExpired removes all checkpoints with expires_at before now.
func (st *SQLiteStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := st.db.ExecContext(ctx,
		`DELETE FROM checkpoints WHERE expires_at < ?`, now)
	if err != nil {
		return 0, fmt.Errorf("checkpoint: delete expired: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checkpoint: rows affected: %w", err)
	}
	return int(n), nil
}
