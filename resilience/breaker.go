package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/e7canasta/orion-upscaler/telemetry"
)

// State is a circuit breaker state.
type State = gobreaker.State

const (
	StateClosed   = gobreaker.StateClosed
	StateHalfOpen = gobreaker.StateHalfOpen
	StateOpen     = gobreaker.StateOpen
)

// DefaultBreakerTimeout is used when NewCircuitBreaker gets a non-positive timeout.
const DefaultBreakerTimeout = 30 * time.Second

// BreakerStats is a snapshot of a CircuitBreaker.
type BreakerStats struct {
	Name      string    `json:"name"`
	State     string    `json:"state"`
	Failures  int       `json:"failures"`
	Successes int       `json:"successes"`
	OpenedAt  time.Time `json:"opened_at,omitempty"`
	Calls     uint64    `json:"calls"`
	Rejected  uint64    `json:"rejected"`
	Trips     uint64    `json:"trips"`
}

// CircuitBreaker stops calling a failing dependency until it has had time
// to recover.
//
// Transitions (F = failure threshold, S = success threshold):
//   - Closed: each failure counts, F in a row opens; a success resets the count
//   - Open: calls are rejected with a circuit-open error until timeout has
//     elapsed since opening; the next call moves to HalfOpen and runs
//   - HalfOpen: at most S trial calls are admitted; S successes close, any
//     failure reopens
//
// The state machine is a gobreaker.TwoStepCircuitBreaker. Its lock is held
// for admission and for recording the outcome, never while the operation
// runs. Outcomes that arrive after the state has moved on are ignored.
//
// An operation that fails with context.Canceled or context.DeadlineExceeded
// says nothing about the dependency: it is not recorded while Closed. A
// cancelled HalfOpen trial still has to release its slot and reopens the
// breaker.
type CircuitBreaker struct {
	name             string
	failureThreshold int
	successThreshold int
	timeout          time.Duration
	sink             telemetry.Sink

	mu     sync.RWMutex // guards engine; Reset swaps it
	engine *gobreaker.TwoStepCircuitBreaker[any]
	epoch  atomic.Uint64

	transitions atomic.Uint64
	openedAt    atomic.Int64 // unix nanos, valid while open
	calls       atomic.Uint64
	rejected    atomic.Uint64
	trips       atomic.Uint64
}

// BreakerOption customizes a CircuitBreaker.
type BreakerOption func(*CircuitBreaker)

// WithBreakerName labels the breaker in logs and metrics.
func WithBreakerName(name string) BreakerOption {
	return func(cb *CircuitBreaker) { cb.name = name }
}

// WithBreakerTelemetry reports state transitions to sink.
func WithBreakerTelemetry(sink telemetry.Sink) BreakerOption {
	return func(cb *CircuitBreaker) { cb.sink = telemetry.OrNop(sink) }
}

// NewCircuitBreaker creates a closed breaker. Thresholds below 1 are raised
// to 1; a non-positive timeout uses DefaultBreakerTimeout.
func NewCircuitBreaker(failureThreshold, successThreshold int, timeout time.Duration, opts ...BreakerOption) *CircuitBreaker {
	if failureThreshold < 1 {
		failureThreshold = 1
	}
	if successThreshold < 1 {
		successThreshold = 1
	}
	if timeout <= 0 {
		timeout = DefaultBreakerTimeout
	}
	cb := &CircuitBreaker{
		name:             "default",
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		timeout:          timeout,
		sink:             telemetry.Nop{},
	}
	for _, opt := range opts {
		opt(cb)
	}
	cb.engine = cb.newEngine()
	return cb
}

func (cb *CircuitBreaker) newEngine() *gobreaker.TwoStepCircuitBreaker[any] {
	epoch := cb.epoch.Add(1)
	threshold := uint32(cb.failureThreshold)
	return gobreaker.NewTwoStepCircuitBreaker[any](gobreaker.Settings{
		Name:        cb.name,
		MaxRequests: uint32(cb.successThreshold),
		Timeout:     cb.timeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			// late transitions of an engine replaced by Reset
			if cb.epoch.Load() != epoch {
				return
			}
			cb.onStateChange(from, to)
		},
	})
}

func (cb *CircuitBreaker) current() *gobreaker.TwoStepCircuitBreaker[any] {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.engine
}

// Call runs op unless the breaker is open. Failures are returned as
// *EnhancedError: either the classified error from op, or a circuit-open
// error when op was not run. Context errors from op are returned unchanged.
func (cb *CircuitBreaker) Call(op func() error) error {
	cb.calls.Add(1)
	engine := cb.current()

	before := cb.transitions.Load()
	admittedClosed := engine.State() == StateClosed
	done, err := engine.Allow()
	if err != nil {
		cb.rejected.Add(1)
		return cb.rejection(err)
	}

	err = op()
	switch {
	case err == nil:
		done(true)
		return nil
	case isContextErr(err):
		// Not recorded unless admission may have been a HalfOpen trial.
		if !admittedClosed || cb.transitions.Load() != before {
			done(false)
		}
		return err
	default:
		done(false)
		return Classify(err)
	}
}

// CallValue is Call for operations that produce a value.
func CallValue[T any](cb *CircuitBreaker, op func() (T, error)) (T, error) {
	var out T
	err := cb.Call(func() error {
		v, err := op()
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func (cb *CircuitBreaker) rejection(err error) error {
	var resetAfter time.Duration
	if errors.Is(err, gobreaker.ErrOpenState) {
		if opened := cb.openedAt.Load(); opened != 0 {
			resetAfter = cb.timeout - time.Since(time.Unix(0, opened))
		}
		if resetAfter < 0 {
			resetAfter = 0
		}
	}
	// ErrTooManyRequests: HalfOpen trial slots are taken
	return CircuitOpen(resetAfter).WithCause(err)
}

// onStateChange runs under the engine's lock and must not call into it.
func (cb *CircuitBreaker) onStateChange(from, to State) {
	cb.transitions.Add(1)

	switch to {
	case StateOpen:
		cb.openedAt.Store(time.Now().UnixNano())
		cb.trips.Add(1)
		slog.Warn("resilience: circuit breaker opened",
			"breaker", cb.name,
			"from", from.String(),
			"failure_threshold", cb.failureThreshold,
			"reset_after", cb.timeout,
		)
	default:
		slog.Info("resilience: circuit breaker state changed",
			"breaker", cb.name,
			"from", from.String(),
			"to", to.String(),
		)
	}
	cb.sink.BreakerTransition(cb.name, from.String(), to.String())
}

// State returns the current state. An open breaker whose timeout has elapsed
// reports HalfOpen.
func (cb *CircuitBreaker) State() State {
	return cb.current().State()
}

// Reset forces the breaker closed and clears its counters. Outcomes of calls
// admitted before Reset are ignored.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	from := cb.engine.State()
	cb.engine = cb.newEngine()
	if from != StateClosed {
		cb.onStateChange(from, StateClosed)
	}
}

// Stats returns a snapshot.
func (cb *CircuitBreaker) Stats() BreakerStats {
	engine := cb.current()
	state := engine.State()
	counts := engine.Counts()

	s := BreakerStats{
		Name:      cb.name,
		State:     state.String(),
		Failures:  int(counts.ConsecutiveFailures),
		Successes: int(counts.ConsecutiveSuccesses),
		Calls:     cb.calls.Load(),
		Rejected:  cb.rejected.Load(),
		Trips:     cb.trips.Load(),
	}
	if state == StateOpen {
		s.OpenedAt = time.Unix(0, cb.openedAt.Load())
	}
	return s
}
