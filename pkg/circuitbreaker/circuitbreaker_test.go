package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

var errTestError = errors.New("test error")

func openBreaker(t *testing.T, cfg Config) *CircuitBreaker {
	t.Helper()
	cb := New(cfg)
	for i := 0; i < cfg.FailureThreshold; i++ {
		_ = cb.Execute(context.Background(), func() error { return errTestError })
	}
	if cb.GetState() != StateOpen {
		t.Fatalf("Expected state Open, got: %v", cb.GetState())
	}
	return cb
}

func testConfig() Config {
	return Config{
		FailureThreshold:    2,
		SuccessThreshold:    2,
		Timeout:             50 * time.Millisecond,
		MaxRequestsHalfOpen: 3,
	}
}

func TestCircuitBreaker_ClosedState_PassesErrorThrough(t *testing.T) {
	cb := New(DefaultConfig())

	err := cb.Execute(context.Background(), func() error { return errTestError })
	if !errors.Is(err, errTestError) {
		t.Errorf("Expected wrapped test error, got: %v", err)
	}
	if cb.GetState() != StateClosed {
		t.Errorf("Expected state Closed, got: %v", cb.GetState())
	}
	if stats := cb.GetStats(); stats.FailureCount != 1 {
		t.Errorf("Expected failure count 1, got: %d", stats.FailureCount)
	}
}

func TestCircuitBreaker_OpenState_RejectsWithoutCalling(t *testing.T) {
	cb := openBreaker(t, testConfig())

	called := false
	err := cb.Execute(context.Background(), func() error {
		called = true
		return nil
	})

	if !errors.Is(err, ErrOpen) {
		t.Errorf("Expected ErrOpen, got: %v", err)
	}
	if called {
		t.Error("Guarded function must not run while open")
	}
}

func TestCircuitBreaker_HalfOpen_ClosesAfterSuccesses(t *testing.T) {
	cb := openBreaker(t, testConfig())
	time.Sleep(60 * time.Millisecond)

	for i := 0; i < 2; i++ {
		if err := cb.Execute(context.Background(), func() error { return nil }); err != nil {
			t.Fatalf("Trial %d: expected no error, got: %v", i+1, err)
		}
	}

	if cb.GetState() != StateClosed {
		t.Errorf("Expected state Closed, got: %v", cb.GetState())
	}
}

func TestCircuitBreaker_HalfOpen_FailureReopens(t *testing.T) {
	cb := openBreaker(t, testConfig())
	time.Sleep(60 * time.Millisecond)

	_ = cb.Execute(context.Background(), func() error { return errTestError })
	if cb.GetState() != StateOpen {
		t.Errorf("Expected state Open, got: %v", cb.GetState())
	}
}

func TestCircuitBreaker_HalfOpen_TrialBudget(t *testing.T) {
	cfg := testConfig()
	cfg.SuccessThreshold = 5
	cfg.MaxRequestsHalfOpen = 2
	cb := openBreaker(t, cfg)
	time.Sleep(60 * time.Millisecond)

	for i := 0; i < 2; i++ {
		if err := cb.Execute(context.Background(), func() error { return nil }); err != nil {
			t.Fatalf("Trial %d should be allowed, got: %v", i+1, err)
		}
	}
	if err := cb.Execute(context.Background(), func() error { return nil }); !errors.Is(err, ErrOpen) {
		t.Errorf("Expected trial budget to be exhausted, got: %v", err)
	}
}

func TestCircuitBreaker_IsFailureFilter(t *testing.T) {
	ignored := errors.New("bad input")
	cfg := testConfig()
	cfg.IsFailure = func(err error) bool { return !errors.Is(err, ignored) }
	cb := New(cfg)

	for i := 0; i < 5; i++ {
		_ = cb.Execute(context.Background(), func() error { return ignored })
	}
	if cb.GetState() != StateClosed {
		t.Errorf("Ignored errors must not open the circuit, got: %v", cb.GetState())
	}
}

func TestCircuitBreaker_CancelledContextNotCounted(t *testing.T) {
	cb := New(testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	for i := 0; i < 3; i++ {
		_ = cb.Execute(ctx, func() error { return ctx.Err() })
	}
	if cb.GetState() != StateClosed {
		t.Errorf("Expected state Closed, got: %v", cb.GetState())
	}
}

func TestCircuitBreaker_GenericExecute(t *testing.T) {
	cb := New(testConfig())
	v, err := Execute(context.Background(), cb, func() (int, error) { return 42, nil })
	if err != nil || v != 42 {
		t.Errorf("Expected 42, nil; got %d, %v", v, err)
	}
}

func TestCircuitBreaker_StateChangeCallback(t *testing.T) {
	var mu sync.Mutex
	var transitions []State
	done := make(chan struct{}, 1)

	cb := New(testConfig())
	cb.OnStateChange(func(from, to State) {
		mu.Lock()
		transitions = append(transitions, to)
		mu.Unlock()
		done <- struct{}{}
	})

	for i := 0; i < 2; i++ {
		_ = cb.Execute(context.Background(), func() error { return errTestError })
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("state change callback not invoked")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(transitions) != 1 || transitions[0] != StateOpen {
		t.Errorf("Expected [open], got: %v", transitions)
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb := openBreaker(t, testConfig())
	cb.Reset()
	if cb.GetState() != StateClosed {
		t.Errorf("Expected state Closed after reset, got: %v", cb.GetState())
	}
}
