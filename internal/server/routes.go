package server

import (
	"log/slog"
	"net/http"
)

// NewRouter creates the HTTP router with all routes and middleware
// configured. Every route except the health check requires the worker
// secret as a bearer token.
func NewRouter(h *Handlers, secret string, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()
	auth := AuthMiddleware(secret, logger)

	mux.HandleFunc("GET /health", h.Health)

	mux.Handle("POST /process", auth(http.HandlerFunc(h.Process)))
	mux.Handle("POST /process-task", auth(http.HandlerFunc(h.ProcessTask)))
	mux.Handle("POST /process-ocr-batch", auth(http.HandlerFunc(h.ProcessOCRBatch)))
	mux.Handle("GET /status/{upload_id}", auth(http.HandlerFunc(h.Status)))
	mux.Handle("GET /result/{upload_id}", auth(http.HandlerFunc(h.Result)))
	mux.Handle("POST /cron/cleanup-checkpoints", auth(http.HandlerFunc(h.CleanupCheckpoints)))

	return ChainMiddleware(mux,
		RecoveryMiddleware(logger),
		LoggingMiddleware(logger),
	)
}
