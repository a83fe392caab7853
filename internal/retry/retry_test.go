package retry

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestDo_FirstAttemptSucceeds(t *testing.T) {
	var attempts int
	err := Do(context.Background(), 3, 10*time.Millisecond, func() error {
		attempts++
		return nil
	})
	if err != nil {
		t.Fatalf("Do returned %v, want nil", err)
	}
	if attempts != 1 {
		t.Fatalf("attempts = %d, want 1", attempts)
	}
}

func TestDo_RecoversFromTransientFailures(t *testing.T) {
	// A rate fetch that fails twice before the upstream recovers.
	var attempts int
	err := Do(context.Background(), 3, 10*time.Millisecond, func() error {
		attempts++
		if attempts < 3 {
			return errors.New("upstream timeout")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do returned %v, want nil after recovery", err)
	}
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}
}

func TestDo_ReturnsLastErrorWhenExhausted(t *testing.T) {
	var attempts int
	down := errors.New("rate service unavailable")
	err := Do(context.Background(), 3, 10*time.Millisecond, func() error {
		attempts++
		return down
	})
	if !errors.Is(err, down) {
		t.Fatalf("Do returned %v, want the underlying error", err)
	}
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}
}

func TestDo_PermanentErrorSkipsRemainingAttempts(t *testing.T) {
	// A malformed payload never deserves a second attempt.
	var attempts int
	malformed := errors.New("unknown currency code")
	err := Do(context.Background(), 5, 10*time.Millisecond, func() error {
		attempts++
		return Permanent(malformed)
	})
	if !errors.Is(err, malformed) {
		t.Fatalf("Do returned %v, want the wrapped error", err)
	}
	if attempts != 1 {
		t.Fatalf("attempts = %d, want 1", attempts)
	}
}

func TestDo_ContextCancelStopsBackoffSleep(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	var attempts atomic.Int32
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	err := Do(ctx, 10, 100*time.Millisecond, func() error {
		attempts.Add(1)
		return errors.New("upstream timeout")
	})

	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Do returned %v, want context.Canceled", err)
	}
	if n := attempts.Load(); n > 3 {
		t.Fatalf("attempts = %d, cancellation must stop the loop", n)
	}
}

func TestDo_ZeroAttemptsRunsOnce(t *testing.T) {
	var attempts int
	if err := Do(context.Background(), 0, time.Millisecond, func() error {
		attempts++
		return nil
	}); err != nil {
		t.Fatalf("Do returned %v, want nil", err)
	}
	if attempts != 1 {
		t.Fatalf("attempts = %d, want 1", attempts)
	}
}

func TestDo_WaitsBetweenAttempts(t *testing.T) {
	var stamps []time.Time
	err := Do(context.Background(), 4, 20*time.Millisecond, func() error {
		stamps = append(stamps, time.Now())
		if len(stamps) < 4 {
			return errors.New("upstream timeout")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do returned %v, want nil", err)
	}
	if len(stamps) != 4 {
		t.Fatalf("attempts = %d, want 4", len(stamps))
	}

	// Gaps double from 20ms with jitter; check they are at least non-trivial.
	for i := 1; i < len(stamps); i++ {
		if gap := stamps[i].Sub(stamps[i-1]); gap < 5*time.Millisecond {
			t.Errorf("gap %d = %v, too short for backoff", i, gap)
		}
	}
}

func TestBackoff_DoublesAndCaps(t *testing.T) {
	base, ceiling := time.Second, 30*time.Second
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 30 * time.Second, 30 * time.Second}
	for i, w := range want {
		if got := Backoff(i+1, base, ceiling); got != w {
			t.Errorf("Backoff(%d) = %v, want %v", i+1, got, w)
		}
	}
	if got := Backoff(0, base, ceiling); got != base {
		t.Errorf("Backoff(0) = %v, want the base delay", got)
	}
}

func TestPermanent_WrapsAndUnwraps(t *testing.T) {
	inner := errors.New("signature mismatch")
	wrapped := Permanent(inner)
	if !errors.Is(wrapped, inner) {
		t.Fatal("Permanent must unwrap to the inner error")
	}
	if !IsPermanent(wrapped) {
		t.Fatal("IsPermanent must recognize a wrapped error")
	}
	if IsPermanent(inner) {
		t.Fatal("IsPermanent must not flag a bare error")
	}
}
