package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errFlaky = errors.New("flaky")

func TestDo_SucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := Do(context.Background(), RetryPolicy{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 4 * time.Millisecond},
		func(error) bool { return true },
		func() error {
			calls++
			if calls < 3 {
				return errFlaky
			}
			return nil
		})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestDo_StopsOnPermanentError(t *testing.T) {
	calls := 0
	err := Do(context.Background(), DefaultPolicy,
		func(error) bool { return false },
		func() error {
			calls++
			return errFlaky
		})
	if !errors.Is(err, errFlaky) {
		t.Fatalf("expected errFlaky, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("permanent error must not be retried, got %d calls", calls)
	}
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	calls := 0
	err := Do(context.Background(), RetryPolicy{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond},
		func(error) bool { return true },
		func() error {
			calls++
			return errFlaky
		})
	if !errors.Is(err, errFlaky) {
		t.Fatalf("expected errFlaky, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestDo_ToleratesTinyBackoff(t *testing.T) {
	calls := 0
	// A sub-2ns initial backoff halves to zero; the jitter bound must
	// not feed that to the RNG.
	err := Do(context.Background(), RetryPolicy{MaxAttempts: 3, InitialBackoff: 1, MaxBackoff: 1},
		func(error) bool { return true },
		func() error {
			calls++
			return errFlaky
		})
	if !errors.Is(err, errFlaky) {
		t.Fatalf("expected errFlaky, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestDo_HonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Do(ctx, RetryPolicy{MaxAttempts: 5, InitialBackoff: 50 * time.Millisecond, MaxBackoff: time.Second},
		func(error) bool { return true },
		func() error { return errFlaky })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestBackoff_DoublesAndCaps(t *testing.T) {
	b := NewWatcherBackoff()

	want := []time.Duration{
		5 * time.Second,
		10 * time.Second,
		20 * time.Second,
		40 * time.Second,
		60 * time.Second,
		60 * time.Second,
	}
	for i, w := range want {
		got := b.Next()
		if got != w {
			t.Fatalf("failure %d: expected %v, got %v", i+1, w, got)
		}
	}
	if b.Failures() != len(want) {
		t.Fatalf("expected %d failures, got %d", len(want), b.Failures())
	}

	b.Reset()
	if b.Failures() != 0 {
		t.Fatal("reset must clear the failure streak")
	}
	if got := b.Next(); got != 5*time.Second {
		t.Fatalf("after reset expected 5s, got %v", got)
	}
}

func TestBackoff_EscalationSchedule(t *testing.T) {
	b := NewWatcherBackoff()

	escalated := make(map[int]bool)
	for i := 1; i <= 35; i++ {
		b.Next()
		if b.Escalate() {
			escalated[i] = true
		}
	}

	// First 3 failures stay at WARNING, then every 10th escalates.
	for _, n := range []int{1, 2, 3, 4, 9, 11, 25} {
		if escalated[n] {
			t.Fatalf("failure %d must not escalate", n)
		}
	}
	for _, n := range []int{10, 20, 30} {
		if !escalated[n] {
			t.Fatalf("failure %d must escalate to ERROR", n)
		}
	}
}
