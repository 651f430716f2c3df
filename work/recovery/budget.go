package recovery

import "sync"

// ErrorBudget counts consecutive hard errors. It belongs to the player rather than
// to a session, so errors keep adding up across the auto-skip chain until some
// channel plays stably.
type ErrorBudget struct {
	mu    sync.Mutex
	count int
	limit int
}

// NewErrorBudget creates a budget that is exhausted after limit hard errors.
func NewErrorBudget(limit int) *ErrorBudget {
	if limit <= 0 {
		limit = 3
	}
	return &ErrorBudget{limit: limit}
}

// Record counts one hard error and reports whether the budget is now exhausted.
func (b *ErrorBudget) Record() (count int, exhausted bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.count++
	return b.count, b.count >= b.limit
}

// Reset zeroes the counter.
func (b *ErrorBudget) Reset() {
	b.mu.Lock()
	b.count = 0
	b.mu.Unlock()
}

// Count returns the current number of consecutive hard errors.
func (b *ErrorBudget) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}
