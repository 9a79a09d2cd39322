package status

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// HeartbeatInterval is how often a running job touches updated_at while a
// long step makes no visible progress.
const HeartbeatInterval = 60 * time.Second

// coalesceStep is the minimum progress advance (in percent points) that
// forces a write when nothing else changed.
const coalesceStep = 2

// Writer is the status-writing capability handed to the pipeline. It
// enforces the row invariants (monotonic progress, phase, and updated_at)
// and coalesces high-frequency updates.
//
// In production a failed write aborts the job; in development it is logged
// and swallowed.
type Writer struct {
	store      Store
	uploadID   string
	logger     *slog.Logger
	production bool
	now        func() time.Time

	mu   sync.Mutex
	row  JobStatus
	sent bool // at least one row written
}

// Update describes a single progress report. Zero-valued fields keep their
// previous value.
type Update struct {
	Status                 Status
	Progress               int
	Phase                  int
	PhaseProgress          int
	PhaseStatus            PhaseStatus
	Stage                  Stage
	SubTask                string
	EstimatedTimeRemaining string
}

// NewWriter creates a Writer for one job. The initial row is written on the
// first Update call.
func NewWriter(store Store, uploadID string, logger *slog.Logger, production bool) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	w := &Writer{
		store:      store,
		uploadID:   uploadID,
		logger:     logger,
		production: production,
		now:        time.Now,
	}
	w.row = JobStatus{
		UploadID:  uploadID,
		Status:    StatusPending,
		StartedAt: w.now(),
	}
	return w
}

// NewResumedWriter creates a Writer seeded from an existing row, so a batch
// continuation request carries the monotonic progress of earlier requests
// instead of starting over.
func NewResumedWriter(store Store, row JobStatus, logger *slog.Logger, production bool) *Writer {
	w := NewWriter(store, row.UploadID, logger, production)
	w.row = row
	w.sent = true
	return w
}

// Update applies u to the row and writes it when it is worth writing:
// a status, phase, stage, or sub-task change always writes; bare progress
// advances are coalesced to steps of at least coalesceStep percent.
func (w *Writer) Update(ctx context.Context, u Update) error {
	w.mu.Lock()

	prev := w.row
	changed := w.apply(u)

	forced := !w.sent ||
		prev.Status != w.row.Status ||
		prev.Phase != w.row.Phase ||
		prev.PhaseStatus != w.row.PhaseStatus ||
		prev.Stage != w.row.Stage ||
		prev.SubTask != w.row.SubTask

	if !changed && !forced {
		w.mu.Unlock()
		return nil
	}
	if !forced && w.row.Progress-prev.Progress < coalesceStep && w.row.PhaseProgress-prev.PhaseProgress < coalesceStep {
		// Keep the in-memory row advanced but skip the write.
		w.mu.Unlock()
		return nil
	}

	w.row.UpdatedAt = w.now()
	row := w.row
	w.sent = true
	w.mu.Unlock()

	return w.write(ctx, &row)
}

// apply merges u into the row, enforcing monotonic progress and phase.
// Returns true if any field changed.
func (w *Writer) apply(u Update) bool {
	changed := false

	if u.Status != "" && u.Status != w.row.Status {
		w.row.Status = u.Status
		changed = true
	}
	if u.Progress > w.row.Progress {
		if u.Progress > 100 {
			u.Progress = 100
		}
		w.row.Progress = u.Progress
		changed = true
	}
	if u.Phase > w.row.Phase {
		w.row.Phase = u.Phase
		w.row.PhaseProgress = 0
		changed = true
	}
	if u.PhaseProgress > w.row.PhaseProgress {
		if u.PhaseProgress > 100 {
			u.PhaseProgress = 100
		}
		w.row.PhaseProgress = u.PhaseProgress
		changed = true
	}
	if u.PhaseStatus != "" && u.PhaseStatus != w.row.PhaseStatus {
		w.row.PhaseStatus = u.PhaseStatus
		changed = true
	}
	if u.Stage != "" && u.Stage != w.row.Stage {
		w.row.Stage = u.Stage
		changed = true
	}
	if u.SubTask != "" && u.SubTask != w.row.SubTask {
		w.row.SubTask = u.SubTask
		changed = true
	}
	if u.EstimatedTimeRemaining != "" && u.EstimatedTimeRemaining != w.row.EstimatedTimeRemaining {
		w.row.EstimatedTimeRemaining = u.EstimatedTimeRemaining
		changed = true
	}

	return changed
}

// Complete marks the job completed with its result key and final metadata.
func (w *Writer) Complete(ctx context.Context, resultKey string, meta *Metadata) error {
	w.mu.Lock()
	w.row.Status = StatusCompleted
	w.row.Progress = 100
	w.row.PhaseProgress = 100
	w.row.PhaseStatus = PhaseCompleted
	w.row.Stage = StageCompleted
	w.row.SubTask = ""
	w.row.ResultKey = resultKey
	w.row.Metadata = meta
	w.row.UpdatedAt = w.now()
	row := w.row
	w.sent = true
	w.mu.Unlock()

	return w.write(ctx, &row)
}

// Fail marks the job failed with a user-readable message. Failure writes are
// never coalesced and always attempted, even in development.
func (w *Writer) Fail(ctx context.Context, message string) error {
	w.mu.Lock()
	w.row.Status = StatusError
	w.row.Error = message
	w.row.UpdatedAt = w.now()
	row := w.row
	w.sent = true
	w.mu.Unlock()

	if err := w.store.Upsert(ctx, &row); err != nil {
		w.logger.Error("failed to write error status",
			slog.String("upload_id", w.uploadID),
			slog.String("step", "fail_status"),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("status: write error row: %w", err)
	}
	return nil
}

// Snapshot returns a copy of the current in-memory row.
func (w *Writer) Snapshot() JobStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.row
}

// StartHeartbeat touches updated_at every HeartbeatInterval until the
// returned stop function is called or ctx is cancelled.
func (w *Writer) StartHeartbeat(ctx context.Context) (stop func()) {
	hbCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				if err := w.store.Touch(hbCtx, w.uploadID, w.now()); err != nil {
					w.logger.Warn("heartbeat touch failed",
						slog.String("upload_id", w.uploadID),
						slog.String("step", "heartbeat"),
						slog.String("error", err.Error()),
					)
				}
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

// write persists the row, honoring the production/development error policy.
func (w *Writer) write(ctx context.Context, row *JobStatus) error {
	if err := w.store.Upsert(ctx, row); err != nil {
		w.logger.Error("failed to write status",
			slog.String("upload_id", w.uploadID),
			slog.String("step", "status_write"),
			slog.String("stage", string(row.Stage)),
			slog.String("error", err.Error()),
		)
		if w.production {
			return fmt.Errorf("status: write: %w", err)
		}
	}
	return nil
}
