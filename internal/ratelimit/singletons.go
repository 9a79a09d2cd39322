package ratelimit

import "sync"

// Process-wide limiter handles, one per external provider. They are created
// lazily so tests can replace the options before first use, and Reset allows
// tests to discard accumulated window state.
var (
	mu      sync.Mutex
	vision  *Limiter
	speech  *Limiter
	visionO = Options{MaxConcurrent: 10, MaxPerWindow: 100}
	speechO = Options{MaxConcurrent: 5, MaxPerWindow: 50}
)

// Vision returns the shared limiter for the vision (OCR) API:
// 10 concurrent, 100 calls per minute.
func Vision() *Limiter {
	mu.Lock()
	defer mu.Unlock()
	if vision == nil {
		vision = New(visionO)
	}
	return vision
}

// Speech returns the shared limiter for the speech (transcription) API:
// 5 concurrent, 50 calls per minute.
func Speech() *Limiter {
	mu.Lock()
	defer mu.Unlock()
	if speech == nil {
		speech = New(speechO)
	}
	return speech
}

// Reset discards both shared limiters. Intended for tests.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	vision = nil
	speech = nil
}
