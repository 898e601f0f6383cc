package retry

import (
	"context"
	"math/rand"
	"time"
)

// RetryPolicy defines how to retry an operation
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultPolicy is a sensible default retry policy
var DefaultPolicy = RetryPolicy{
	MaxAttempts:    3,
	InitialBackoff: 100 * time.Millisecond,
	MaxBackoff:     2 * time.Second,
}

// ClosePolicy bounds the reduce-only close retries: up to 3 attempts
// with a flat second between them.
var ClosePolicy = RetryPolicy{
	MaxAttempts:    3,
	InitialBackoff: time.Second,
	MaxBackoff:     time.Second,
}

// IsTransientFunc defines if an error is transient and should be retried
type IsTransientFunc func(error) bool

// Do executes a function with retries according to the policy
func Do(ctx context.Context, policy RetryPolicy, isTransient IsTransientFunc, fn func() error) error {
	var err error
	backoff := policy.InitialBackoff

	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}

		if !isTransient(err) {
			return err
		}

		if attempt == policy.MaxAttempts-1 {
			break
		}

		// Jittered backoff: backoff + random(0, 50% of backoff). The
		// bound is floored at 1 so a sub-2ns InitialBackoff cannot feed
		// Int63n a zero.
		bound := int64(backoff / 2)
		if bound < 1 {
			bound = 1
		}
		sleepTime := backoff + time.Duration(rand.Int63n(bound))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleepTime):
			backoff = minDuration(backoff*2, policy.MaxBackoff)
		}
	}

	return err
}

// Backoff tracks consecutive failures of a long-lived watcher loop. The
// loop never terminates on failure: the delay doubles from Initial up
// to Max and the counter resets on any success.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration

	failures int
	current  time.Duration
}

// NewWatcherBackoff returns the watcher default: 5s doubling to a 60s cap.
func NewWatcherBackoff() *Backoff {
	return &Backoff{Initial: 5 * time.Second, Max: 60 * time.Second}
}

// Next records a failure and returns the delay to sleep before the next
// attempt.
func (b *Backoff) Next() time.Duration {
	b.failures++
	if b.current == 0 {
		b.current = b.Initial
	} else {
		b.current = minDuration(b.current*2, b.Max)
	}
	return b.current
}

// Reset clears the failure streak after a successful receive or cycle.
func (b *Backoff) Reset() {
	b.failures = 0
	b.current = 0
}

// Failures returns the current consecutive-failure count.
func (b *Backoff) Failures() int {
	return b.failures
}

// Escalate reports whether this failure should be logged at ERROR
// instead of WARNING: the first 3 failures stay at WARNING, afterwards
// every 10th failure escalates.
func (b *Backoff) Escalate() bool {
	return b.failures > 3 && b.failures%10 == 0
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
