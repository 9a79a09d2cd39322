package shutdown

import (
	"context"
	"sync"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMessage(t *testing.T) {
	// The texts are a closed set the UI matches against.
	assert.Equal(t,
		"Processing was interrupted by server maintenance or scaling. Please submit the video again.",
		Message(CodeServerShutdown))
	assert.Equal(t,
		"Processing was stopped manually. Please submit the video again.",
		Message(CodeManualStop))
	assert.Equal(t,
		"Processing was stopped by a server resource limit. Please try again, or try a shorter video.",
		Message(CodeResourceLimit))
	assert.Equal(t,
		"Processing stopped unexpectedly. Please submit the video again.",
		Message(CodeUncaughtException))
	assert.Equal(t,
		"Processing was interrupted. Please submit the video again.",
		Message(CodeUnknownSignal))
}

func TestRegistry(t *testing.T) {
	t.Run("register and deregister", func(t *testing.T) {
		r := NewRegistry()
		assert.Zero(t, r.Active())

		dereg := r.Register("u1", func(context.Context, ErrorCode, string) {})
		assert.Equal(t, 1, r.Active())

		dereg()
		assert.Zero(t, r.Active())
	})

	t.Run("fail all marks every active job", func(t *testing.T) {
		r := NewRegistry()

		var mu sync.Mutex
		failed := map[string]string{}
		for _, id := range []string{"u1", "u2", "u3"} {
			id := id
			r.Register(id, func(_ context.Context, code ErrorCode, message string) {
				mu.Lock()
				defer mu.Unlock()
				failed[id] = message
				assert.Equal(t, CodeServerShutdown, code)
			})
		}

		r.FailAll(CodeServerShutdown)

		mu.Lock()
		defer mu.Unlock()
		assert.Len(t, failed, 3)
		assert.Equal(t, Message(CodeServerShutdown), failed["u2"])
		assert.Zero(t, r.Active())
	})

	t.Run("deregistered jobs are not failed", func(t *testing.T) {
		r := NewRegistry()
		called := false
		dereg := r.Register("u1", func(context.Context, ErrorCode, string) {
			called = true
		})
		dereg()

		r.FailAll(CodeManualStop)
		assert.False(t, called)
	})
}

func TestCodeFor(t *testing.T) {
	assert.Equal(t, CodeServerShutdown, codeFor(syscall.SIGTERM))
	assert.Equal(t, CodeManualStop, codeFor(syscall.SIGINT))
	assert.Equal(t, CodeResourceLimit, codeFor(syscall.SIGBUS))
	assert.Equal(t, CodeUnknownSignal, codeFor(syscall.SIGHUP))
}
