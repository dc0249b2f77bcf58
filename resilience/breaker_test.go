package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/e7canasta/orion-upscaler/telemetry"
)

var errDownstream = errors.New("downstream failed")

func fail() error    { return errDownstream }
func succeed() error { return nil }

// TestCircuitBreakerLifecycle walks Closed -> Open -> HalfOpen -> Closed ->
// Open -> HalfOpen -> Open with F=2, S=2, timeout=60ms.
func TestCircuitBreakerLifecycle(t *testing.T) {
	const timeout = 60 * time.Millisecond
	counters := telemetry.NewCounters()
	cb := NewCircuitBreaker(2, 2, timeout,
		WithBreakerName("inference"),
		WithBreakerTelemetry(counters))

	// two consecutive failures open the breaker
	for i := 0; i < 2; i++ {
		if err := cb.Call(fail); !errors.Is(err, errDownstream) {
			t.Fatalf("call %d: error = %v, want wrapped downstream error", i, err)
		}
	}
	if cb.State() != StateOpen {
		t.Fatalf("state = %v, want open", cb.State())
	}

	// before the timeout the operation is not invoked
	invoked := false
	err := cb.Call(func() error { invoked = true; return nil })
	var e *EnhancedError
	if !errors.As(err, &e) || e.Kind != KindCircuitOpen {
		t.Fatalf("error = %v, want circuit open", err)
	}
	if invoked {
		t.Error("operation invoked while open")
	}
	if e.RetryAfter <= 0 || e.RetryAfter > timeout {
		t.Errorf("reset after = %v, want within (0, %v]", e.RetryAfter, timeout)
	}
	if !e.Retryable() {
		t.Error("circuit open must be retryable")
	}

	// after the timeout the next call is admitted half-open
	time.Sleep(timeout + 20*time.Millisecond)
	if err := cb.Call(succeed); err != nil {
		t.Fatalf("trial call failed: %v", err)
	}
	if cb.State() != StateHalfOpen {
		t.Fatalf("state = %v, want half-open", cb.State())
	}
	if err := cb.Call(succeed); err != nil {
		t.Fatalf("second trial call failed: %v", err)
	}
	if cb.State() != StateClosed {
		t.Fatalf("state = %v, want closed", cb.State())
	}

	// reopen, then a single half-open failure reopens immediately
	_ = cb.Call(fail)
	_ = cb.Call(fail)
	time.Sleep(timeout + 20*time.Millisecond)
	_ = cb.Call(succeed)
	if cb.State() != StateHalfOpen {
		t.Fatalf("state = %v, want half-open", cb.State())
	}
	_ = cb.Call(fail)
	if cb.State() != StateOpen {
		t.Fatalf("state = %v, want open after half-open failure", cb.State())
	}

	stats := cb.Stats()
	if stats.Trips != 3 || stats.Rejected != 1 {
		t.Errorf("trips=%d rejected=%d, want 3/1", stats.Trips, stats.Rejected)
	}
	if got := counters.Snapshot().Transitions["inference:closed->open"]; got != 2 {
		t.Errorf("closed->open transitions = %d, want 2", got)
	}
	if got := counters.Snapshot().Transitions["inference:half-open->open"]; got != 1 {
		t.Errorf("half-open->open transitions = %d, want 1", got)
	}
}

// TestCircuitBreakerRealTimeout exercises the timeout with the wall clock.
func TestCircuitBreakerRealTimeout(t *testing.T) {
	cb := NewCircuitBreaker(2, 2, 100*time.Millisecond)

	_ = cb.Call(fail)
	_ = cb.Call(fail)

	err := cb.Call(succeed)
	var e *EnhancedError
	if !errors.As(err, &e) || e.Kind != KindCircuitOpen {
		t.Fatalf("error = %v, want circuit open", err)
	}

	time.Sleep(110 * time.Millisecond)
	if err := cb.Call(succeed); err != nil {
		t.Fatalf("call after timeout failed: %v", err)
	}
	if err := cb.Call(succeed); err != nil {
		t.Fatalf("call after timeout failed: %v", err)
	}
	if cb.State() != StateClosed {
		t.Errorf("state = %v, want closed", cb.State())
	}
}

func TestSuccessResetsFailureCount(t *testing.T) {
	cb := NewCircuitBreaker(3, 1, time.Minute)

	_ = cb.Call(fail)
	_ = cb.Call(fail)
	_ = cb.Call(succeed)
	_ = cb.Call(fail)
	_ = cb.Call(fail)

	if cb.State() != StateClosed {
		t.Errorf("state = %v, want closed (failures were not consecutive)", cb.State())
	}
}

func TestCallValueClassifiesErrors(t *testing.T) {
	cb := NewCircuitBreaker(5, 1, time.Minute)

	v, err := CallValue(cb, func() (int, error) { return 42, nil })
	if err != nil || v != 42 {
		t.Fatalf("CallValue = (%d, %v), want (42, nil)", v, err)
	}

	_, err = CallValue(cb, func() (int, error) { return 0, Network("reset", true) })
	var e *EnhancedError
	if !errors.As(err, &e) || e.Kind != KindNetwork || !e.Retryable() {
		t.Errorf("error = %v, want retryable network error", err)
	}

	_, err = CallValue(cb, func() (int, error) { return 0, errors.New("opaque") })
	if !errors.As(err, &e) || e.Kind != KindPermanent {
		t.Errorf("error = %v, want permanent", err)
	}
}

func TestLateFailureWhileOpenIsIgnored(t *testing.T) {
	cb := NewCircuitBreaker(1, 1, time.Minute)

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		_ = cb.Call(func() error {
			close(started)
			<-release
			return errDownstream
		})
		close(done)
	}()

	<-started
	_ = cb.Call(fail) // opens
	openedAt := cb.Stats().OpenedAt
	close(release)
	<-done

	stats := cb.Stats()
	if stats.State != "open" || !stats.OpenedAt.Equal(openedAt) || stats.Trips != 1 {
		t.Errorf("late failure changed the open state: %+v", stats)
	}
}

func TestReset(t *testing.T) {
	cb := NewCircuitBreaker(1, 1, time.Hour)
	_ = cb.Call(fail)
	if cb.State() != StateOpen {
		t.Fatal("expected open")
	}
	cb.Reset()
	if err := cb.Call(succeed); err != nil || cb.State() != StateClosed {
		t.Errorf("after Reset: err=%v state=%v", err, cb.State())
	}
}

func TestConcurrentCallsKeepStateConsistent(t *testing.T) {
	cb := NewCircuitBreaker(1000, 1, time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				if (i+j)%2 == 0 {
					_ = cb.Call(fail)
				} else {
					_ = cb.Call(succeed)
				}
			}
		}(i)
	}
	wg.Wait()

	stats := cb.Stats()
	if stats.Calls != 16*200 {
		t.Errorf("calls = %d, want %d", stats.Calls, 16*200)
	}
	if stats.State != "closed" {
		t.Errorf("state = %s, want closed (never 1000 consecutive failures)", stats.State)
	}
}

// TestContextErrorsDoNotTrip covers operations interrupted by their caller.
//
// Scenario:
//  1. F=1: a cancelled and a timed-out operation run while Closed
//  2. Assert: the context errors come back unchanged, the breaker stays closed
//  3. A real failure still opens it
func TestContextErrorsDoNotTrip(t *testing.T) {
	counters := telemetry.NewCounters()
	cb := NewCircuitBreaker(1, 1, time.Minute,
		WithBreakerName("upscale"),
		WithBreakerTelemetry(counters))

	if err := cb.Call(func() error { return context.Canceled }); err != context.Canceled {
		t.Errorf("error = %v, want context.Canceled unchanged", err)
	}
	wrapped := fmt.Errorf("bufferpool: acquire: %w", context.DeadlineExceeded)
	if err := cb.Call(func() error { return wrapped }); err != wrapped {
		t.Errorf("error = %v, want the deadline error unchanged", err)
	}
	if stats := cb.Stats(); stats.State != "closed" || stats.Trips != 0 || stats.Failures != 0 {
		t.Fatalf("context errors were recorded: %+v", stats)
	}

	_ = cb.Call(fail)
	if cb.State() != StateOpen {
		t.Errorf("state = %v, want open after a real failure", cb.State())
	}
	if got := counters.Snapshot().Transitions["upscale:closed->open"]; got != 1 {
		t.Errorf("closed->open transitions = %d, want 1", got)
	}
	t.Logf("✅ cancellations left the breaker closed")
}

// TestHalfOpenAdmitsAtMostSuccessThresholdTrials covers the trial slot limit.
func TestHalfOpenAdmitsAtMostSuccessThresholdTrials(t *testing.T) {
	const timeout = 30 * time.Millisecond
	cb := NewCircuitBreaker(1, 1, timeout)
	_ = cb.Call(fail)
	time.Sleep(timeout + 20*time.Millisecond)

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- cb.Call(func() error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	err := cb.Call(succeed)
	var e *EnhancedError
	if !errors.As(err, &e) || e.Kind != KindCircuitOpen {
		t.Errorf("second trial: error = %v, want circuit open", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("trial call failed: %v", err)
	}
	if cb.State() != StateClosed {
		t.Errorf("state = %v, want closed", cb.State())
	}
}

func TestNonPositiveTimeoutUsesDefault(t *testing.T) {
	cb := NewCircuitBreaker(1, 1, 0)
	_ = cb.Call(fail)

	err := cb.Call(succeed)
	var e *EnhancedError
	if !errors.As(err, &e) || e.RetryAfter <= DefaultBreakerTimeout-time.Second {
		t.Errorf("error = %v, want reset after close to %v", err, DefaultBreakerTimeout)
	}
}
