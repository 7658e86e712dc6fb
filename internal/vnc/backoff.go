package vnc

import "time"

const (
	// BackoffQuantum is one unit of scheduled retry delay
	BackoffQuantum = 100 * time.Millisecond

	// PollTimeout bounds each wait for server traffic (~30 polls/s)
	PollTimeout = 33 * time.Millisecond

	// quantaPerFailure and maxBackoffFailures give a linear backoff of
	// 1s per consecutive failure capped at 10s.
	quantaPerFailure   = 10
	maxBackoffFailures = 10
)

// Backoff tracks consecutive connection failures and the quanta left to
// wait before the next attempt.
type Backoff struct {
	FailureCount  int
	RemainingWait int
}

// NextWait returns the quanta to wait after a streak of n failures:
// min(n, 10) * 10.
func NextWait(n int) int {
	if n <= 0 {
		return 0
	}
	return min(n, maxBackoffFailures) * quantaPerFailure
}

// Fail records a failed attempt and schedules the next wait. It returns
// the scheduled quanta.
func (b *Backoff) Fail() int {
	b.FailureCount++
	b.RemainingWait = NextWait(b.FailureCount)
	return b.RemainingWait
}

// Reset clears the streak.
func (b *Backoff) Reset() {
	b.FailureCount = 0
	b.RemainingWait = 0
}

// Waiting reports whether a retry delay is still running.
func (b *Backoff) Waiting() bool {
	return b.FailureCount > 0 && b.RemainingWait > 0
}

// Tick consumes one quantum.
func (b *Backoff) Tick() {
	if b.RemainingWait > 0 {
		b.RemainingWait--
	}
}

// RetryIn converts quanta to a duration for logging.
func RetryIn(quanta int) time.Duration {
	return time.Duration(quanta) * BackoffQuantum
}
