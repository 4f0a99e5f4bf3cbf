package authcode

import "sync"

// DefaultMaxAuthAttempts is the number of wrong codes a guest may submit
// before the handshake cycle fails.
const DefaultMaxAuthAttempts = 3

// AttemptResult is the outcome of recording a failed attempt.
type AttemptResult int

const (
	// AttemptAllowed means the guest may submit another code.
	AttemptAllowed AttemptResult = iota

	// AttemptExhausted means the budget is spent for this cycle.
	AttemptExhausted
)

// String returns a human-readable name for the result.
func (r AttemptResult) String() string {
	switch r {
	case AttemptAllowed:
		return "Allowed"
	case AttemptExhausted:
		return "Exhausted"
	default:
		return "Unknown"
	}
}

// RetryBudget counts failed auth attempts against a fixed maximum.
//
// Exhaustion ends the current code cycle only; a fresh session against the
// same invitation starts with a new budget.
type RetryBudget struct {
	max      int
	attempts int
	mu       sync.Mutex
}

// NewRetryBudget creates a budget allowing max failed attempts.
// A max of zero or less uses DefaultMaxAuthAttempts.
func NewRetryBudget(max int) *RetryBudget {
	if max <= 0 {
		max = DefaultMaxAuthAttempts
	}
	return &RetryBudget{max: max}
}

// RecordAttempt counts one failed attempt and reports whether another
// attempt is allowed.
func (b *RetryBudget) RecordAttempt() AttemptResult {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.attempts < b.max {
		b.attempts++
	}
	if b.attempts >= b.max {
		return AttemptExhausted
	}
	return AttemptAllowed
}

// Attempts returns the number of failed attempts recorded.
func (b *RetryBudget) Attempts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempts
}

// Remaining returns how many more failed attempts are allowed.
func (b *RetryBudget) Remaining() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.max - b.attempts
}

// Exhausted reports whether no attempts remain.
func (b *RetryBudget) Exhausted() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempts >= b.max
}

// Max returns the configured maximum.
func (b *RetryBudget) Max() int {
	return b.max
}

// Reset zeroes the counter.
func (b *RetryBudget) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attempts = 0
}
