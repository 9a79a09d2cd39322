package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/scenereport/worker/internal/checkpoint"
	"github.com/scenereport/worker/internal/pipeline"
	"github.com/scenereport/worker/internal/quota"
	"github.com/scenereport/worker/internal/scene"
	"github.com/scenereport/worker/internal/status"
	"github.com/scenereport/worker/internal/storage"
	"github.com/scenereport/worker/internal/taskqueue"
)

// retryCountHeader is set by the task queue on redelivery attempts.
const retryCountHeader = "X-CloudTasks-TaskRetryCount"

// xlsxContentType is the MIME type of the generated report.
const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// BuildInfo is the build metadata reported by the health endpoint.
type BuildInfo struct {
	Revision  string
	BuildTime string
	Commit    string
}

// Deps wires the handlers' collaborators.
type Deps struct {
	Pipeline    *pipeline.Pipeline
	Statuses    status.Store
	Checkpoints checkpoint.Store
	Queue       taskqueue.Queue
	Quota       *quota.Client
	Results     storage.ResultSink
}

// Handlers contains the HTTP handlers for the worker.
type Handlers struct {
	deps       Deps
	validator  *validator.Validate
	logger     *slog.Logger
	production bool
	build      BuildInfo
}

// HandlerOption is a function that configures Handlers.
type HandlerOption func(*Handlers)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) HandlerOption {
	return func(h *Handlers) {
		h.logger = logger
	}
}

// WithProduction selects production behavior: the development-only result
// download endpoint is disabled.
func WithProduction(production bool) HandlerOption {
	return func(h *Handlers) {
		h.production = production
	}
}

// WithBuildInfo sets the build metadata reported by the health endpoint.
func WithBuildInfo(info BuildInfo) HandlerOption {
	return func(h *Handlers) {
		h.build = info
	}
}

// NewHandlers creates handlers with the given dependencies.
func NewHandlers(deps Deps, opts ...HandlerOption) *Handlers {
	h := &Handlers{
		deps:      deps,
		validator: validator.New(),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Health handles GET /health requests.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "healthy",
		Revision:  h.build.Revision,
		BuildTime: h.build.BuildTime,
		Commit:    h.build.Commit,
	}, h.logger)
}

// Process handles POST /process: it validates the request, checks quota,
// enqueues the processing task, and seeds the status row. Resubmitting an
// upload ID resets its row to pending and enqueues a fresh task.
func (h *Handlers) Process(w http.ResponseWriter, r *http.Request) {
	var req ProcessRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON in request body", "INVALID_JSON", h.logger)
		return
	}
	if err := h.validator.Struct(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Validation failed: %v", err), "VALIDATION_ERROR", h.logger)
		return
	}
	mode := scene.Mode(req.DetectionMode)
	if mode == "" {
		mode = scene.ModeStandard
	}

	q, err := h.deps.Quota.Check(r.Context(), req.UserID)
	if err != nil {
		if errors.Is(err, quota.ErrExceeded) {
			writeJSON(w, http.StatusPaymentRequired, QuotaExceededResponse{
				Error:     "Processing quota exceeded",
				Code:      "QUOTA_EXCEEDED",
				PlanType:  q.PlanType,
				Quota:     q.Quota,
				Used:      q.Used,
				Remaining: q.Remaining,
			}, h.logger)
			return
		}
		// The check is advisory: an unreachable quota service never
		// blocks intake.
		h.logger.Warn("quota check failed, proceeding",
			slog.String("upload_id", req.UploadID),
			slog.String("error", err.Error()),
		)
	}

	taskName, err := h.deps.Queue.EnqueueProcess(r.Context(), taskqueue.ProcessTask{
		UploadID:      req.UploadID,
		R2Key:         req.R2Key,
		FileName:      req.FileName,
		UserID:        req.UserID,
		DataConsent:   *req.DataConsent,
		DetectionMode: string(mode),
	})
	if err != nil {
		h.logger.Error("failed to enqueue processing task",
			slog.String("upload_id", req.UploadID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "Failed to enqueue processing task", "ENQUEUE_FAILED", h.logger)
		return
	}

	now := time.Now()
	if err := h.deps.Statuses.Upsert(r.Context(), &status.JobStatus{
		UploadID:    req.UploadID,
		Status:      status.StatusPending,
		Progress:    0,
		Phase:       1,
		PhaseStatus: status.PhaseWaiting,
		StartedAt:   now,
		UpdatedAt:   now,
	}); err != nil {
		// The task is already queued and the worker rewrites the row as
		// soon as it starts; only the brief pending window is lost.
		h.logger.Error("failed to seed status row",
			slog.String("upload_id", req.UploadID),
			slog.String("error", err.Error()),
		)
	}

	h.logger.Info("processing task enqueued",
		slog.String("upload_id", req.UploadID),
		slog.String("task_name", taskName),
		slog.String("detection_mode", string(mode)),
	)
	writeJSON(w, http.StatusOK, ProcessResponse{
		Success:       true,
		UploadID:      req.UploadID,
		TaskName:      taskName,
		DetectionMode: string(mode),
	}, h.logger)
}

// ProcessTask handles POST /process-task, the task-queue callback that runs
// the full pipeline. A non-2xx response makes the queue redeliver.
func (h *Handlers) ProcessTask(w http.ResponseWriter, r *http.Request) {
	var task taskqueue.ProcessTask
	if err := json.NewDecoder(r.Body).Decode(&task); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON in task body", "INVALID_JSON", h.logger)
		return
	}
	if task.UploadID == "" || task.R2Key == "" || task.UserID == "" {
		writeError(w, http.StatusBadRequest, "Task is missing required fields", "VALIDATION_ERROR", h.logger)
		return
	}
	mode := scene.Mode(task.DetectionMode)
	if !mode.IsValid() {
		mode = scene.ModeStandard
	}

	err := h.deps.Pipeline.Run(r.Context(), pipeline.Request{
		UploadID:      task.UploadID,
		R2Key:         task.R2Key,
		FileName:      task.FileName,
		UserID:        task.UserID,
		DataConsent:   task.DataConsent,
		DetectionMode: mode,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Processing failed", "PROCESSING_FAILED", h.logger)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true}, h.logger)
}

// ProcessOCRBatch handles POST /process-ocr-batch, the continuation callback
// for one OCR batch. The queue's retry counter rides in a request header.
func (h *Handlers) ProcessOCRBatch(w http.ResponseWriter, r *http.Request) {
	var task taskqueue.BatchTask
	if err := json.NewDecoder(r.Body).Decode(&task); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON in task body", "INVALID_JSON", h.logger)
		return
	}
	if task.UploadID == "" || task.VideoKey == "" {
		writeError(w, http.StatusBadRequest, "Task is missing required fields", "VALIDATION_ERROR", h.logger)
		return
	}

	retryCount := 0
	if v := r.Header.Get(retryCountHeader); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			retryCount = n
		}
	}

	if err := h.deps.Pipeline.RunBatch(r.Context(), task, retryCount); err != nil {
		writeError(w, http.StatusInternalServerError, "Batch processing failed", "BATCH_FAILED", h.logger)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true}, h.logger)
}

// statusResponse decorates the status row with the staleness flag readers
// use to synthesize a failed state for abandoned jobs.
type statusResponse struct {
	*status.JobStatus
	Stale bool `json:"stale,omitempty"`
}

// Status handles GET /status/{upload_id} requests.
func (h *Handlers) Status(w http.ResponseWriter, r *http.Request) {
	uploadID := r.PathValue("upload_id")
	if uploadID == "" {
		writeError(w, http.StatusBadRequest, "Upload ID is required", "MISSING_UPLOAD_ID", h.logger)
		return
	}

	row, err := h.deps.Statuses.Get(r.Context(), uploadID)
	if err != nil {
		if errors.Is(err, status.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Status not found", "NOT_FOUND", h.logger)
			return
		}
		h.logger.Error("failed to load status",
			slog.String("upload_id", uploadID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "Failed to load status", "STATUS_LOAD_FAILED", h.logger)
		return
	}

	writeJSON(w, http.StatusOK, statusResponse{
		JobStatus: row,
		Stale:     row.Stale(time.Now()),
	}, h.logger)
}

// Result handles GET /result/{upload_id} requests. Development only: it
// streams the report from the local result sink. Production downloads go
// through pre-signed URLs, so the route reports not found there.
func (h *Handlers) Result(w http.ResponseWriter, r *http.Request) {
	if h.production {
		writeError(w, http.StatusNotFound, "Not found", "NOT_FOUND", h.logger)
		return
	}
	uploadID := r.PathValue("upload_id")
	if uploadID == "" {
		writeError(w, http.StatusBadRequest, "Upload ID is required", "MISSING_UPLOAD_ID", h.logger)
		return
	}

	row, err := h.deps.Statuses.Get(r.Context(), uploadID)
	if err != nil {
		if errors.Is(err, status.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Status not found", "NOT_FOUND", h.logger)
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to load status", "STATUS_LOAD_FAILED", h.logger)
		return
	}
	if row.Status != status.StatusCompleted || row.ResultKey == "" {
		writeError(w, http.StatusNotFound, "Result not ready", "RESULT_NOT_READY", h.logger)
		return
	}

	rc, err := h.deps.Results.Open(r.Context(), row.ResultKey)
	if err != nil {
		if errors.Is(err, storage.ErrResultNotFound) {
			writeError(w, http.StatusNotFound, "Result not found", "NOT_FOUND", h.logger)
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to open result", "RESULT_OPEN_FAILED", h.logger)
		return
	}
	defer func() { _ = rc.Close() }()

	w.Header().Set("Content-Type", xlsxContentType)
	w.Header().Set("Content-Disposition", `attachment; filename="report.xlsx"`)
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		h.logger.Warn("result stream interrupted",
			slog.String("upload_id", uploadID),
			slog.String("error", err.Error()),
		)
	}
}

// CleanupCheckpoints handles POST /cron/cleanup-checkpoints: the daily sweep
// that removes expired checkpoints.
func (h *Handlers) CleanupCheckpoints(w http.ResponseWriter, r *http.Request) {
	deleted, err := h.deps.Checkpoints.DeleteExpired(r.Context(), time.Now())
	if err != nil {
		h.logger.Error("checkpoint sweep failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "Cleanup failed", "CLEANUP_FAILED", h.logger)
		return
	}
	h.logger.Info("checkpoint sweep completed", slog.Int("deleted_count", deleted))
	writeJSON(w, http.StatusOK, CleanupResponse{DeletedCount: deleted}, h.logger)
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, statusCode int, data any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("failed to encode JSON response", slog.String("error", err.Error()))
	}
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, statusCode int, message, code string, logger *slog.Logger) {
	writeJSON(w, statusCode, ErrorResponse{
		Error: message,
		Code:  code,
	}, logger)
}
