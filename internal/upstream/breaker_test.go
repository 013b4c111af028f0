package upstream

import (
	"errors"
	"testing"
	"time"
)

var errBoom = errors.New("boom")

func failN(cb *CircuitBreaker, n int) {
	for i := 0; i < n; i++ {
		_ = cb.Execute(func() error { return errBoom })
	}
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker(5, time.Minute, nil)
	failN(cb, 4)
	if cb.State() != BreakerClosed {
		t.Fatal("breaker should stay closed below the threshold")
	}
	failN(cb, 1)
	if cb.State() != BreakerOpen {
		t.Fatal("breaker should open on the fifth consecutive failure")
	}
}

func TestBreaker_FailsFastWhileOpen(t *testing.T) {
	cb := NewCircuitBreaker(2, time.Minute, nil)
	failN(cb, 2)

	called := false
	err := cb.Execute(func() error { called = true; return nil })
	if called {
		t.Fatal("open breaker must not invoke the wrapped call")
	}
	if CodeOf(err) != CodeCircuitOpen {
		t.Fatalf("expected CIRCUIT_BREAKER_OPEN, got %v", err)
	}
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb := NewCircuitBreaker(3, time.Minute, nil)
	failN(cb, 2)
	_ = cb.Execute(func() error { return nil })
	failN(cb, 2)
	if cb.State() != BreakerClosed {
		t.Fatal("non-consecutive failures must not open the breaker")
	}
}

func TestBreaker_ProbeAfterRecovery(t *testing.T) {
	cb := NewCircuitBreaker(1, 20*time.Millisecond, nil)
	failN(cb, 1)
	if cb.State() != BreakerOpen {
		t.Fatal("breaker should be open")
	}

	time.Sleep(30 * time.Millisecond)
	if cb.State() != BreakerHalfOpen {
		t.Fatal("breaker should report half-open once recovery elapsed")
	}

	probed := false
	if err := cb.Execute(func() error { probed = true; return nil }); err != nil {
		t.Fatalf("probe should be admitted: %v", err)
	}
	if !probed {
		t.Fatal("probe call did not run")
	}
	if cb.State() != BreakerClosed {
		t.Fatal("successful probe should close the breaker")
	}
}

func TestBreaker_FailedProbeReopens(t *testing.T) {
	cb := NewCircuitBreaker(1, 10*time.Millisecond, nil)
	failN(cb, 1)
	time.Sleep(20 * time.Millisecond)

	_ = cb.Execute(func() error { return errBoom })
	if cb.State() != BreakerOpen {
		t.Fatal("failed probe should reopen the breaker")
	}
}

func TestBreaker_SingleProbeWindow(t *testing.T) {
	cb := NewCircuitBreaker(1, 10*time.Millisecond, nil)
	failN(cb, 1)
	time.Sleep(20 * time.Millisecond)

	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- cb.Execute(func() error { <-release; return nil })
	}()
	time.Sleep(10 * time.Millisecond)

	// Second caller while the probe is in flight must fail fast.
	err := cb.Execute(func() error { return nil })
	if CodeOf(err) != CodeCircuitOpen {
		t.Fatalf("expected second half-open caller to be refused, got %v", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("probe failed: %v", err)
	}
}
