package ocr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/scenereport/worker/internal/ratelimit"
)

// Adaptive cooldown schedule applied on consecutive retryable failures.
// The counter resets on the first success.
var cooldownSchedule = []time.Duration{
	30 * time.Second,
	1 * time.Minute,
	2 * time.Minute,
	5 * time.Minute,
}

// Default model fallback chain, highest priority first.
var defaultModels = []string{
	"gemini-2.0-flash",
	"gemini-1.5-flash",
	"gemini-1.5-pro",
}

// Entry binds a provider to its priority and rate limiter.
type Entry struct {
	Provider Provider
	Limiter  *ratelimit.Limiter
	// Priority orders selection; lower wins.
	Priority int
}

// managed is an Entry plus its availability state.
type managed struct {
	Entry

	mu               sync.Mutex
	unavailableUntil time.Time
	consecutiveFails int
}

// available reports whether the provider may be tried now.
func (m *managed) available(now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !now.Before(m.unavailableUntil)
}

// markFailed advances the cooldown schedule. A Retry-After hint larger than
// the scheduled cooldown overrides it. Returns the applied cooldown.
func (m *managed) markFailed(now time.Time, hint time.Duration) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx := m.consecutiveFails
	if idx >= len(cooldownSchedule) {
		idx = len(cooldownSchedule) - 1
	}
	cooldown := cooldownSchedule[idx]
	if hint > cooldown {
		cooldown = hint
	}
	m.consecutiveFails++
	m.unavailableUntil = now.Add(cooldown)
	return cooldown
}

// markSucceeded resets the cooldown schedule.
func (m *managed) markSucceeded() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.consecutiveFails = 0
	m.unavailableUntil = time.Time{}
}

// Manager selects among providers priority-first, marking providers
// unavailable for an adaptive cooldown when they fail with a retryable
// error and falling through to the next available one.
type Manager struct {
	providers []*managed
	logger    *slog.Logger
	now       func() time.Time
}

// NewManager creates a Manager over the given entries. Entries without a
// limiter share the vision singleton.
func NewManager(entries []Entry, logger *slog.Logger) (*Manager, error) {
	if len(entries) == 0 {
		return nil, ErrNoProviders
	}
	if logger == nil {
		logger = slog.Default()
	}

	providers := make([]*managed, 0, len(entries))
	for _, e := range entries {
		if e.Limiter == nil {
			e.Limiter = ratelimit.Vision()
		}
		providers = append(providers, &managed{Entry: e})
	}
	sort.SliceStable(providers, func(i, j int) bool {
		return providers[i].Priority < providers[j].Priority
	})

	return &Manager{providers: providers, logger: logger, now: time.Now}, nil
}

// NewDefaultManager builds the standard three-model fallback chain against
// one API key.
func NewDefaultManager(apiKey string, logger *slog.Logger, opts ...GeminiOption) (*Manager, error) {
	entries := make([]Entry, 0, len(defaultModels))
	for i, model := range defaultModels {
		p, err := NewGeminiProvider(model, apiKey, opts...)
		if err != nil {
			return nil, fmt.Errorf("ocr: provider %s: %w", model, err)
		}
		entries = append(entries, Entry{Provider: p, Priority: i})
	}
	return NewManager(entries, logger)
}

// PerformOCR runs OCR with provider failover. Non-retryable errors return
// immediately; retryable errors cool the provider down and move on. When
// every provider is cooling down, the call blocks until the nearest
// cooldown expires or the context ends.
func (mgr *Manager) PerformOCR(ctx context.Context, image []byte) (Result, error) {
	for {
		p := mgr.pick()
		if p == nil {
			if err := mgr.waitForRecovery(ctx); err != nil {
				return Result{}, err
			}
			continue
		}

		var result Result
		err := p.Limiter.Execute(ctx, func(ctx context.Context) error {
			var callErr error
			result, callErr = p.Provider.PerformOCR(ctx, image)
			return callErr
		})
		if err == nil {
			p.markSucceeded()
			return result, nil
		}
		if ctx.Err() != nil {
			return Result{}, fmt.Errorf("ocr: cancelled: %w", ctx.Err())
		}
		if !IsRetryable(err) {
			return Result{}, err
		}

		var hint time.Duration
		var ra *ratelimit.RetryAfterError
		if errors.As(err, &ra) {
			hint = ra.After
		}
		cooldown := p.markFailed(mgr.now(), hint)
		mgr.logger.Warn("ocr provider cooling down",
			slog.String("provider", p.Provider.Name()),
			slog.Duration("cooldown", cooldown),
			slog.String("error", err.Error()),
		)
	}
}

// pick returns the highest-priority available provider, or nil.
func (mgr *Manager) pick() *managed {
	now := mgr.now()
	for _, p := range mgr.providers {
		if p.available(now) {
			return p
		}
	}
	return nil
}

// waitForRecovery sleeps until the nearest cooldown expires.
func (mgr *Manager) waitForRecovery(ctx context.Context) error {
	now := mgr.now()
	var nearest time.Time
	for _, p := range mgr.providers {
		p.mu.Lock()
		until := p.unavailableUntil
		p.mu.Unlock()
		if nearest.IsZero() || until.Before(nearest) {
			nearest = until
		}
	}

	wait := nearest.Sub(now)
	if wait <= 0 {
		return nil
	}
	mgr.logger.Info("all ocr providers cooling down, waiting",
		slog.Duration("wait", wait),
	)
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrAllProvidersUnavailable, ctx.Err())
	case <-time.After(wait):
		return nil
	}
}
