package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/e7canasta/orion-upscaler/telemetry"
)

// RetryConfig configures exponential backoff.
type RetryConfig struct {
	MaxAttempts     int           `yaml:"max_attempts" json:"max_attempts"`         // Attempts including the first (default: 3)
	InitialDelay    time.Duration `yaml:"initial_delay" json:"initial_delay"`       // Wait before the second attempt (default: 100ms)
	MaxDelay        time.Duration `yaml:"max_delay" json:"max_delay"`               // Backoff cap before jitter (default: 10s)
	ExponentialBase float64       `yaml:"exponential_base" json:"exponential_base"` // Growth per attempt (default: 2.0)
	Jitter          bool          `yaml:"jitter" json:"jitter"`                     // Scale each computed delay by U[0.8, 1.2)

	// RespectRetryAfter lets a retry hint longer than the computed delay
	// replace it, capped at MaxDelay.
	RespectRetryAfter bool `yaml:"respect_retry_after" json:"respect_retry_after"`
}

// DefaultRetryConfig returns the default backoff configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:     3,
		InitialDelay:    100 * time.Millisecond,
		MaxDelay:        10 * time.Second,
		ExponentialBase: 2.0,
		Jitter:          true,
	}
}

// Validate rejects configurations the executor cannot run.
func (c RetryConfig) Validate() error {
	switch {
	case c.MaxAttempts < 1:
		return Validation(fmt.Sprintf("max attempts must be >= 1, got %d", c.MaxAttempts), "max_attempts")
	case c.InitialDelay < 0:
		return Validation("initial delay must not be negative", "initial_delay")
	case c.MaxDelay < c.InitialDelay:
		return Validation(fmt.Sprintf("max delay %v is below initial delay %v", c.MaxDelay, c.InitialDelay), "max_delay")
	case c.ExponentialBase < 1:
		return Validation(fmt.Sprintf("exponential base must be >= 1, got %v", c.ExponentialBase), "exponential_base")
	}
	return nil
}

// ErrorContext describes the operation a RetryExecutor is driving. Attempt
// is updated by the executor only.
type ErrorContext struct {
	Operation   string
	FilePath    string
	Attempt     int
	MaxAttempts int
	Metadata    map[string]string
}

// NewErrorContext starts a context for operation at attempt 1 of 3.
func NewErrorContext(operation string) *ErrorContext {
	return &ErrorContext{
		Operation:   operation,
		Attempt:     1,
		MaxAttempts: 3,
		Metadata:    make(map[string]string),
	}
}

// WithFile records the file the operation works on.
func (c *ErrorContext) WithFile(path string) *ErrorContext {
	c.FilePath = path
	return c
}

// WithAttempts sets the attempt counters.
func (c *ErrorContext) WithAttempts(attempt, maxAttempts int) *ErrorContext {
	c.Attempt = attempt
	c.MaxAttempts = maxAttempts
	return c
}

// WithMetadata adds one key/value pair.
func (c *ErrorContext) WithMetadata(key, value string) *ErrorContext {
	if c.Metadata == nil {
		c.Metadata = make(map[string]string)
	}
	c.Metadata[key] = value
	return c
}

func (c *ErrorContext) logAttrs(extra ...any) []any {
	attrs := []any{
		"operation", c.Operation,
		"attempt", c.Attempt,
		"max_attempts", c.MaxAttempts,
	}
	if c.FilePath != "" {
		attrs = append(attrs, "path", c.FilePath)
	}
	for k, v := range c.Metadata {
		attrs = append(attrs, k, v)
	}
	return append(attrs, extra...)
}

// RetryExecutor runs operations with bounded retries.
//
// Backoff schedule:
//   - wait InitialDelay after the first failure
//   - then delay = min(delay * ExponentialBase, MaxDelay)
//   - then, with Jitter, delay *= U[0.8, 1.2)
//
// Jitter is applied after the cap, so a wait may exceed MaxDelay by up to 20%.
//
// The executor enforces an attempt ceiling. ctx cancellation interrupts the
// wait between attempts, never a running operation.
//
// Thread-safety: one executor may be shared by any number of goroutines.
type RetryExecutor struct {
	cfg    RetryConfig
	sink   telemetry.Sink
	random func() float64
}

// RetryOption customizes a RetryExecutor.
type RetryOption func(*RetryExecutor)

// WithRetryTelemetry reports scheduled retries to sink.
func WithRetryTelemetry(sink telemetry.Sink) RetryOption {
	return func(r *RetryExecutor) { r.sink = telemetry.OrNop(sink) }
}

// WithJitterSource replaces the uniform [0,1) source used for jitter.
func WithJitterSource(random func() float64) RetryOption {
	return func(r *RetryExecutor) { r.random = random }
}

// NewRetryExecutor creates an executor. MaxAttempts below 1 runs once.
func NewRetryExecutor(cfg RetryConfig, opts ...RetryOption) *RetryExecutor {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	r := &RetryExecutor{
		cfg:    cfg,
		sink:   telemetry.Nop{},
		random: rand.Float64,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Config returns the effective configuration.
func (r *RetryExecutor) Config() RetryConfig { return r.cfg }

// Do runs op until it succeeds, fails with a non-retryable error, or
// MaxAttempts is reached. The last error is returned unchanged. When ctx is
// done during a wait, the last error is joined with ctx.Err().
func (r *RetryExecutor) Do(ctx context.Context, ectx *ErrorContext, op func(context.Context) error) error {
	if ectx == nil {
		ectx = NewErrorContext("operation")
	}
	ectx.MaxAttempts = r.cfg.MaxAttempts

	delay := r.cfg.InitialDelay
	for attempt := 1; ; attempt++ {
		ectx.Attempt = attempt

		err := op(ctx)
		if err == nil {
			if attempt > 1 {
				slog.Info("resilience: operation succeeded after retry", ectx.logAttrs()...)
			}
			return nil
		}

		if !IsRetryable(err) {
			slog.Debug("resilience: error is not retryable", ectx.logAttrs("error", err)...)
			return err
		}
		if attempt >= r.cfg.MaxAttempts {
			slog.Error("resilience: retries exhausted", ectx.logAttrs("error", err)...)
			return err
		}

		wait := r.waitFor(delay, err)
		slog.Warn("resilience: retrying operation", ectx.logAttrs("delay", wait, "error", err)...)
		r.sink.RetryScheduled(ectx.Operation, attempt, wait)

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			slog.Info("resilience: context cancelled during backoff", ectx.logAttrs()...)
			return errors.Join(err, ctx.Err())
		}

		delay = r.nextDelay(delay)
	}
}

// Execute is Do for operations that produce a value.
func Execute[T any](ctx context.Context, r *RetryExecutor, ectx *ErrorContext, op func(context.Context) (T, error)) (T, error) {
	var out T
	err := r.Do(ctx, ectx, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

func (r *RetryExecutor) waitFor(delay time.Duration, err error) time.Duration {
	if !r.cfg.RespectRetryAfter {
		return delay
	}
	hint, ok := RetryAfter(err)
	if !ok || hint <= delay {
		return delay
	}
	if hint > r.cfg.MaxDelay {
		return r.cfg.MaxDelay
	}
	return hint
}

// nextDelay computes the wait after current: cap first, jitter second.
func (r *RetryExecutor) nextDelay(current time.Duration) time.Duration {
	next := r.cfg.MaxDelay
	if f := float64(current) * r.cfg.ExponentialBase; f < float64(r.cfg.MaxDelay) {
		next = time.Duration(f)
	}
	if r.cfg.Jitter {
		next = time.Duration(float64(next) * (0.8 + 0.4*r.random()))
	}
	return next
}
