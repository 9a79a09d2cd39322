// Package ratelimit provides the combined rate-limiting primitive used for
// every external model-API call: a counting semaphore bounding in-flight
// requests, a sliding-window counter bounding requests per window, and a
// smoothing rule enforcing minimum spacing between request starts.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// ErrMaxRetriesExceeded is returned when ExecuteWithRetry exhausts all attempts.
var ErrMaxRetriesExceeded = errors.New("ratelimit: max retries exceeded")

// Options configures a Limiter.
type Options struct {
	// MaxConcurrent bounds the number of in-flight calls. Default 10.
	MaxConcurrent int
	// MaxPerWindow bounds the number of calls started per Window. Default 100.
	MaxPerWindow int
	// Window is the sliding-window duration. Default 1 minute.
	Window time.Duration
	// MaxRetries is the attempt budget for ExecuteWithRetry. Default 5.
	MaxRetries int
	// BaseBackoff is the initial retry backoff. Default 1s.
	BaseBackoff time.Duration
	// MaxJitter is the upper bound of random jitter added per backoff. Default 500ms.
	MaxJitter time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxConcurrent <= 0 {
		o.MaxConcurrent = 10
	}
	if o.MaxPerWindow <= 0 {
		o.MaxPerWindow = 100
	}
	if o.Window <= 0 {
		o.Window = time.Minute
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 5
	}
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = time.Second
	}
	if o.MaxJitter <= 0 {
		o.MaxJitter = 500 * time.Millisecond
	}
	return o
}

// Limiter combines a counting semaphore, a sliding-window counter, and an
// inter-request smoother. Acquire blocks until all three admit the call;
// Release returns only the semaphore permit.
type Limiter struct {
	opts Options

	sem      *semaphore.Weighted
	smoother *rate.Limiter

	mu     sync.Mutex
	starts []time.Time // request start times inside the current window

	now func() time.Time
}

// New creates a Limiter with the given options.
func New(opts Options) *Limiter {
	opts = opts.withDefaults()
	// Smoothing: at most MaxPerWindow starts per Window, evenly spaced.
	interval := rate.Every(opts.Window / time.Duration(opts.MaxPerWindow))
	return &Limiter{
		opts:     opts,
		sem:      semaphore.NewWeighted(int64(opts.MaxConcurrent)),
		smoother: rate.NewLimiter(interval, 1),
		starts:   make([]time.Time, 0, opts.MaxPerWindow),
		now:      time.Now,
	}
}

// Acquire blocks until the call is admitted by the semaphore, the sliding
// window, and the smoother. The caller must call Release exactly once after
// the call finishes, regardless of its outcome.
func (l *Limiter) Acquire(ctx context.Context) error {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("ratelimit: acquire semaphore: %w", err)
	}

	if err := l.waitForWindow(ctx); err != nil {
		l.sem.Release(1)
		return err
	}

	if err := l.smoother.Wait(ctx); err != nil {
		l.sem.Release(1)
		return fmt.Errorf("ratelimit: smoothing wait: %w", err)
	}

	l.mu.Lock()
	l.starts = append(l.starts, l.now())
	l.mu.Unlock()

	return nil
}

// Release returns the semaphore permit acquired by Acquire.
// Window slots are not returned; they expire with the sliding window.
func (l *Limiter) Release() {
	l.sem.Release(1)
}

// waitForWindow blocks until fewer than MaxPerWindow starts fall inside the
// trailing window.
func (l *Limiter) waitForWindow(ctx context.Context) error {
	for {
		wait := l.windowDelay()
		if wait <= 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("ratelimit: window wait: %w", ctx.Err())
		case <-time.After(wait):
		}
	}
}

// windowDelay returns how long the caller must wait before the sliding
// window admits another start, or 0 if it admits one now.
func (l *Limiter) windowDelay() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.opts.Window)

	// Evict starts that fell out of the window.
	keep := l.starts[:0]
	for _, t := range l.starts {
		if t.After(cutoff) {
			keep = append(keep, t)
		}
	}
	l.starts = keep

	if len(l.starts) < l.opts.MaxPerWindow {
		return 0
	}

	// Oldest start in the window determines when a slot frees up.
	return l.starts[0].Add(l.opts.Window).Sub(now)
}

// WindowCount reports how many window slots are currently occupied.
// Used by tests and observability logging.
func (l *Limiter) WindowCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-l.opts.Window)
	n := 0
	for _, t := range l.starts {
		if t.After(cutoff) {
			n++
		}
	}
	return n
}

// Execute runs f inside an Acquire/Release pair.
func (l *Limiter) Execute(ctx context.Context, f func(ctx context.Context) error) error {
	if err := l.Acquire(ctx); err != nil {
		return err
	}
	defer l.Release()
	return f(ctx)
}

// RetryAfterError carries an explicit retry delay hinted by the upstream
// (typically from a Retry-After header). When the hint exceeds the scheduled
// backoff, the hint wins.
type RetryAfterError struct {
	After time.Duration
	Err   error
}

func (e *RetryAfterError) Error() string {
	return fmt.Sprintf("retry after %s: %v", e.After, e.Err)
}

func (e *RetryAfterError) Unwrap() error {
	return e.Err
}

// ExecuteWithRetry runs f through Execute with up to MaxRetries attempts.
// isRetryable classifies errors; a non-retryable error is returned
// immediately. Backoff is base·2^attempt plus jitter, overridden by a
// Retry-After hint when larger.
func (l *Limiter) ExecuteWithRetry(ctx context.Context, f func(ctx context.Context) error, isRetryable func(error) bool) error {
	var lastErr error

	for attempt := 0; attempt < l.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := l.backoffFor(attempt, lastErr)
			select {
			case <-ctx.Done():
				return fmt.Errorf("ratelimit: retry wait: %w", ctx.Err())
			case <-time.After(backoff):
			}
		}

		err := l.Execute(ctx, f)
		if err == nil {
			return nil
		}
		if !isRetryable(err) {
			return err
		}
		lastErr = err
	}

	return fmt.Errorf("%w: %w", ErrMaxRetriesExceeded, lastErr)
}

// backoffFor computes the delay before the given attempt (1-based for waits).
func (l *Limiter) backoffFor(attempt int, lastErr error) time.Duration {
	backoff := l.opts.BaseBackoff * (1 << (attempt - 1))
	backoff += time.Duration(rand.Int63n(int64(l.opts.MaxJitter) + 1)) // #nosec G404 - jitter, not crypto

	var ra *RetryAfterError
	if errors.As(lastErr, &ra) && ra.After > backoff {
		backoff = ra.After
	}
	return backoff
}
