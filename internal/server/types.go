// Package server provides the worker's HTTP surface: intake, task-queue
// callbacks, status reads, and maintenance endpoints, with DTOs separated
// from domain types.
package server

// ProcessRequest is the HTTP request body for starting video processing.
// It is also the payload the task queue delivers to /process-task.
type ProcessRequest struct {
	// UploadID identifies the upload across all stores.
	UploadID string `json:"upload_id" validate:"required"`
	// R2Key is the object-store key of the uploaded video.
	R2Key string `json:"r2_key" validate:"required"`
	// FileName is the original upload file name, used for the report title.
	FileName string `json:"file_name" validate:"required"`
	// UserID is the owner of the upload.
	UserID string `json:"user_id" validate:"required"`
	// DataConsent records the user's processing consent.
	DataConsent *bool `json:"data_consent" validate:"required"`
	// DetectionMode selects standard or enhanced scene detection.
	DetectionMode string `json:"detection_mode,omitempty" validate:"omitempty,oneof=standard enhanced"`
}

// ProcessResponse is the HTTP response after accepting a processing request.
type ProcessResponse struct {
	Success       bool   `json:"success"`
	UploadID      string `json:"uploadId"`
	TaskName      string `json:"taskName"`
	DetectionMode string `json:"detectionMode"`
}

// QuotaExceededResponse is the structured 402 body returned when the user
// has no remaining quota.
type QuotaExceededResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	PlanType  string `json:"planType"`
	Quota     int    `json:"quota"`
	Used      int    `json:"used"`
	Remaining int    `json:"remaining"`
}

// CleanupResponse is the response of the checkpoint sweep endpoint.
type CleanupResponse struct {
	DeletedCount int `json:"deletedCount"`
}

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	// Error is the human-readable error message.
	Error string `json:"error"`
	// Code is the error code for programmatic handling.
	Code string `json:"code"`
}

// HealthResponse is the HTTP response for the health check endpoint.
type HealthResponse struct {
	Status    string `json:"status"`
	Revision  string `json:"revision,omitempty"`
	BuildTime string `json:"buildTime,omitempty"`
	Commit    string `json:"commit,omitempty"`
}
