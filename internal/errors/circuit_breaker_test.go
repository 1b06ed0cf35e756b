package errors

import (
	"context"
	"errors"
	"testing"
	"time"
)

func testBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 3,
		SuccessThreshold: 2,
		Timeout:          20 * time.Millisecond,
	}
}

func TestCircuitBreakerOpensAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker("web_fetch", testBreakerConfig())
	boom := errors.New("boom")

	for i := 0; i < 3; i++ {
		_ = cb.Execute(context.Background(), func(ctx context.Context) error { return boom })
	}
	if cb.State() != StateOpen {
		t.Fatalf("expected open after 3 failures, got %s", cb.State())
	}

	err := cb.Execute(context.Background(), func(ctx context.Context) error { return nil })
	if !IsCircuitOpen(err) {
		t.Fatalf("expected CircuitOpenError while open, got %v", err)
	}
}

func TestCircuitBreakerRecoversThroughHalfOpen(t *testing.T) {
	cb := NewCircuitBreaker("web_fetch", testBreakerConfig())
	boom := errors.New("boom")

	for i := 0; i < 3; i++ {
		_ = cb.Execute(context.Background(), func(ctx context.Context) error { return boom })
	}

	time.Sleep(25 * time.Millisecond)

	// First probe transitions to half-open and succeeds.
	if err := cb.Execute(context.Background(), func(ctx context.Context) error { return nil }); err != nil {
		t.Fatalf("half-open probe should be allowed: %v", err)
	}
	if cb.State() != StateHalfOpen {
		t.Fatalf("expected half-open, got %s", cb.State())
	}

	if err := cb.Execute(context.Background(), func(ctx context.Context) error { return nil }); err != nil {
		t.Fatalf("second probe failed: %v", err)
	}
	if cb.State() != StateClosed {
		t.Fatalf("expected closed after success threshold, got %s", cb.State())
	}
}

func TestCircuitBreakerReopensOnHalfOpenFailure(t *testing.T) {
	cb := NewCircuitBreaker("web_fetch", testBreakerConfig())
	boom := errors.New("boom")

	for i := 0; i < 3; i++ {
		cb.Mark(boom)
	}
	time.Sleep(25 * time.Millisecond)

	if err := cb.Allow(); err != nil {
		t.Fatalf("expected half-open probe to be allowed: %v", err)
	}
	cb.Mark(boom)

	if cb.State() != StateOpen {
		t.Fatalf("expected reopen after half-open failure, got %s", cb.State())
	}
}

func TestCircuitBreakerSuccessResetsFailureCount(t *testing.T) {
	cb := NewCircuitBreaker("file_read", testBreakerConfig())
	boom := errors.New("boom")

	cb.Mark(boom)
	cb.Mark(boom)
	cb.Mark(nil)
	cb.Mark(boom)
	cb.Mark(boom)

	if cb.State() != StateClosed {
		t.Fatalf("non-consecutive failures must not open the breaker, got %s", cb.State())
	}
}

func TestExecuteFuncReturnsValue(t *testing.T) {
	cb := NewCircuitBreaker("file_read", testBreakerConfig())

	got, err := ExecuteFunc(cb, context.Background(), func(ctx context.Context) (int, error) {
		return 42, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 42 {
		t.Fatalf("expected 42, got %d", got)
	}
}

func TestManagerReturnsSameBreakerPerName(t *testing.T) {
	m := NewCircuitBreakerManager(testBreakerConfig())

	a := m.Get("file_read")
	b := m.Get("file_read")
	c := m.Get("web_fetch")

	if a != b {
		t.Fatal("expected the same breaker instance for one name")
	}
	if a == c {
		t.Fatal("expected distinct breakers per name")
	}
	if len(m.GetMetrics()) != 2 {
		t.Fatalf("expected 2 breakers, got %d", len(m.GetMetrics()))
	}
}
