// Package shutdown turns process-level interruptions (signals, panics) into
// user-readable job failures before the worker exits.
package shutdown

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// ErrorCode classifies why a job was interrupted. The codes are part of the
// wire contract: the UI pattern-matches them to distinguish infrastructure
// interruptions from user errors.
type ErrorCode string

const (
	CodeServerShutdown    ErrorCode = "SERVER_SHUTDOWN"
	CodeManualStop        ErrorCode = "MANUAL_STOP"
	CodeResourceLimit     ErrorCode = "RESOURCE_LIMIT"
	CodeUncaughtException ErrorCode = "UNCAUGHT_EXCEPTION"
	CodeUnknownSignal     ErrorCode = "UNKNOWN_SIGNAL"
)

// Message returns the lay-person message for a code. The texts are a closed
// set the UI matches against.
func Message(code ErrorCode) string {
	switch code {
	case CodeServerShutdown:
		return "Processing was interrupted by server maintenance or scaling. Please submit the video again."
	case CodeManualStop:
		return "Processing was stopped manually. Please submit the video again."
	case CodeResourceLimit:
		return "Processing was stopped by a server resource limit. Please try again, or try a shorter video."
	case CodeUncaughtException:
		return "Processing stopped unexpectedly. Please submit the video again."
	default:
		return "Processing was interrupted. Please submit the video again."
	}
}

// flushBudget bounds how long interrupted jobs get to write their error
// status before the process exits.
const flushBudget = time.Second

// FailFunc marks one job failed with the given code and message.
type FailFunc func(ctx context.Context, code ErrorCode, message string)

// Registry tracks jobs currently processing so a shutdown can fail them.
type Registry struct {
	mu   sync.Mutex
	jobs map[string]FailFunc
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{jobs: make(map[string]FailFunc)}
}

// Register adds a running job and returns its deregistration function.
func (r *Registry) Register(uploadID string, fail FailFunc) (deregister func()) {
	r.mu.Lock()
	r.jobs[uploadID] = fail
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		delete(r.jobs, uploadID)
		r.mu.Unlock()
	}
}

// Active returns the number of registered jobs.
func (r *Registry) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.jobs)
}

// FailAll marks every registered job failed with the code's message, within
// the flush budget.
func (r *Registry) FailAll(code ErrorCode) {
	r.mu.Lock()
	fails := make([]FailFunc, 0, len(r.jobs))
	for _, f := range r.jobs {
		fails = append(fails, f)
	}
	r.jobs = make(map[string]FailFunc)
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), flushBudget)
	defer cancel()

	message := Message(code)
	var wg sync.WaitGroup
	for _, fail := range fails {
		wg.Add(1)
		go func(fail FailFunc) {
			defer wg.Done()
			fail(ctx, code, message)
		}(fail)
	}
	wg.Wait()
}

// codeFor maps a signal to its error code.
func codeFor(sig os.Signal) ErrorCode {
	switch sig {
	case syscall.SIGTERM:
		return CodeServerShutdown
	case syscall.SIGINT:
		return CodeManualStop
	case syscall.SIGBUS:
		return CodeResourceLimit
	default:
		return CodeUnknownSignal
	}
}

// Watch installs the signal handlers and returns a channel that receives
// the mapped error code once, after all active jobs were failed. The caller
// then shuts the HTTP server down.
func Watch(registry *Registry, logger *slog.Logger) <-chan ErrorCode {
	if logger == nil {
		logger = slog.Default()
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGTERM, syscall.SIGINT, syscall.SIGBUS)

	done := make(chan ErrorCode, 1)
	go func() {
		sig := <-signals
		code := codeFor(sig)
		logger.Warn("shutdown signal received",
			slog.String("signal", sig.String()),
			slog.String("code", string(code)),
			slog.Int("active_jobs", registry.Active()),
		)
		registry.FailAll(code)
		done <- code
	}()
	return done
}
