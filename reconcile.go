package tremord

import (
	"fmt"
	"sync"
	"time"
)

// mismatchLogInterval is the rolling window for mismatch warnings: no
// matter how many malformed vectors arrive, at most one human-readable
// warning per window reaches the logs.
const mismatchLogInterval = time.Second

// Reconciler adapts received channel vectors to the expected channel
// count: short vectors are right-padded with zeros, long ones truncated.
// An expected count of zero means the count is still being learned and
// vectors pass through unchanged.
type Reconciler struct {
	mu         sync.Mutex
	expected   int
	mismatches int
	lastWarn   time.Time
	now        func() time.Time // replaced in tests
}

// NewReconciler returns a Reconciler for the given expected channel
// count (0 to pass vectors through unchanged).
func NewReconciler(expected int) *Reconciler {
	return &Reconciler{expected: expected, now: time.Now}
}

// Expected returns the expected channel count (0 if unset).
func (r *Reconciler) Expected() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.expected
}

// SetExpected changes the expected channel count.
func (r *Reconciler) SetExpected(expected int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.expected = expected
}

// Mismatches returns how many vectors needed padding or truncation.
func (r *Reconciler) Mismatches() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mismatches
}

// Reconcile adapts one received vector to the expected count.
func (r *Reconciler) Reconcile(values []float32) []float32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.expected <= 0 || len(values) == r.expected {
		return values
	}
	r.mismatches++
	if now := r.now(); now.Sub(r.lastWarn) >= mismatchLogInterval {
		r.lastWarn = now
		var missing []int
		for i := len(values); i < r.expected; i++ {
			missing = append(missing, i)
		}
		ProblemLogger.Printf("expected %d channels, got %d. Missing IDs: %v",
			r.expected, len(values), missing)
	}
	if len(values) > r.expected {
		return values[:r.expected]
	}
	padded := make([]float32, r.expected)
	copy(padded, values)
	return padded
}

// String summarizes the reconciler state for status messages.
func (r *Reconciler) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return fmt.Sprintf("Reconciler{expected: %d, mismatches: %d}", r.expected, r.mismatches)
}
