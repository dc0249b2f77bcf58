package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"

	pkgerrors "github.com/pkg/errors"
)

// Kind classifies an EnhancedError.
type Kind int

const (
	KindIO Kind = iota
	KindImage
	KindNetwork
	KindValidation
	KindTransient
	KindPermanent
	KindRateLimit
	KindCircuitOpen
)

// String returns the category name used in summaries and metrics.
func (k Kind) String() string {
	switch k {
	case KindIO:
		return "io"
	case KindImage:
		return "image"
	case KindNetwork:
		return "network"
	case KindValidation:
		return "validation"
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	case KindRateLimit:
		return "rate_limit"
	case KindCircuitOpen:
		return "circuit_breaker_open"
	default:
		return "unknown"
	}
}

// Retryable is implemented by errors that know whether re-attempting the
// operation is sane.
type Retryable interface {
	Retryable() bool
}

// Classifier is implemented by errors from other packages that map onto a
// resilience Kind.
type Classifier interface {
	ResilienceKind() Kind
}

// EnhancedError is a classified failure with optional retry hints and the
// stack captured where it was created.
type EnhancedError struct {
	Kind    Kind
	Message string

	// Field names the offending input for validation errors.
	Field string

	// RetryAfter is the suggested wait for transient (optional), rate limit
	// and circuit-open errors.
	RetryAfter time.Duration

	retryable bool
	cause     error
	stack     pkgerrors.StackTrace
}

type stackTracer interface {
	StackTrace() pkgerrors.StackTrace
}

// callers captures the stack of the caller's caller.
func callers() pkgerrors.StackTrace {
	st := pkgerrors.New("").(stackTracer).StackTrace()
	if len(st) > 2 {
		st = st[2:]
	}
	return st
}

func newError(kind Kind, msg string) *EnhancedError {
	return &EnhancedError{Kind: kind, Message: msg, stack: callers()}
}

// IO reports a filesystem or stream failure. Retryable.
func IO(msg string) *EnhancedError { return newError(KindIO, msg) }

// Image reports an undecodable or unsupported image. Not retryable.
func Image(msg string) *EnhancedError { return newError(KindImage, msg) }

// Network reports a remote failure; retryable says whether trying again can help.
func Network(msg string, retryable bool) *EnhancedError {
	e := newError(KindNetwork, msg)
	e.retryable = retryable
	return e
}

// Validation reports bad input or configuration. Never retried.
func Validation(msg, field string) *EnhancedError {
	e := newError(KindValidation, msg)
	e.Field = field
	return e
}

// Transient reports a momentary failure. retryAfter may be zero.
func Transient(msg string, retryAfter time.Duration) *EnhancedError {
	e := newError(KindTransient, msg)
	e.RetryAfter = retryAfter
	return e
}

// Permanent reports a failure that will not go away by retrying.
func Permanent(msg string) *EnhancedError { return newError(KindPermanent, msg) }

// RateLimit reports throttling by a dependency.
func RateLimit(msg string, retryAfter time.Duration) *EnhancedError {
	e := newError(KindRateLimit, msg)
	e.RetryAfter = retryAfter
	return e
}

// CircuitOpen is returned by an open breaker; resetAfter is the time left
// until it admits a trial call.
func CircuitOpen(resetAfter time.Duration) *EnhancedError {
	e := newError(KindCircuitOpen, "circuit breaker open")
	e.RetryAfter = resetAfter
	return e
}

// WithCause attaches the underlying error and returns e.
func (e *EnhancedError) WithCause(err error) *EnhancedError {
	e.cause = err
	return e
}

func (e *EnhancedError) Error() string {
	switch e.Kind {
	case KindIO:
		return "I/O error: " + e.Message
	case KindImage:
		return "image processing error: " + e.Message
	case KindNetwork:
		return fmt.Sprintf("network error: %s (retryable: %t)", e.Message, e.retryable)
	case KindValidation:
		if e.Field == "" {
			return "validation error: " + e.Message
		}
		return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
	case KindTransient:
		return "transient error (retryable): " + e.Message
	case KindRateLimit:
		return fmt.Sprintf("rate limit exceeded, retry after %v", e.RetryAfter)
	case KindCircuitOpen:
		return fmt.Sprintf("circuit breaker open, reset after %v", e.RetryAfter)
	default:
		return "permanent error: " + e.Message
	}
}

func (e *EnhancedError) Unwrap() error { return e.cause }

// Retryable reports whether the operation may be attempted again.
func (e *EnhancedError) Retryable() bool {
	switch e.Kind {
	case KindIO, KindTransient, KindRateLimit, KindCircuitOpen:
		return true
	case KindNetwork:
		return e.retryable
	default:
		return false
	}
}

// RetryAfterHint returns the suggested wait, if the error carries one.
func (e *EnhancedError) RetryAfterHint() (time.Duration, bool) {
	switch e.Kind {
	case KindTransient:
		return e.RetryAfter, e.RetryAfter > 0
	case KindRateLimit, KindCircuitOpen:
		return e.RetryAfter, true
	default:
		return 0, false
	}
}

// StackTrace renders the frames captured at construction.
func (e *EnhancedError) StackTrace() string {
	if len(e.stack) == 0 {
		return ""
	}
	return fmt.Sprintf("%+v", e.stack)
}

// IsRetryable walks err's chain for a Retryable capability. Errors without
// one, and context cancellation, are not retryable.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var r Retryable
	return errors.As(err, &r) && r.Retryable()
}

// RetryAfter returns the retry hint carried anywhere in err's chain.
func RetryAfter(err error) (time.Duration, bool) {
	var e *EnhancedError
	if errors.As(err, &e) {
		return e.RetryAfterHint()
	}
	return 0, false
}

// Classify converts any error into an EnhancedError, keeping err as the cause.
//
// Resolution order:
//  1. err is already an *EnhancedError: returned as is
//  2. an *EnhancedError deeper in the chain: its kind and hints, err's message
//  3. a Classifier in the chain: its kind
//  4. Retryable in the chain: transient
//  5. otherwise: permanent
func Classify(err error) *EnhancedError {
	if err == nil {
		return nil
	}
	if e, ok := err.(*EnhancedError); ok {
		return e
	}

	msg := err.Error()
	var inner *EnhancedError
	if errors.As(err, &inner) {
		c := *inner
		c.Message = msg
		c.cause = err
		return &c
	}

	var e *EnhancedError
	var k Classifier
	switch {
	case errors.As(err, &k):
		e = newError(k.ResilienceKind(), msg)
		e.retryable = IsRetryable(err)
	case IsRetryable(err):
		e = newError(KindTransient, msg)
	default:
		e = newError(KindPermanent, msg)
	}
	return e.WithCause(err)
}

// Category returns the aggregator category for err.
func Category(err error) string {
	if err == nil {
		return ""
	}
	return Classify(err).Kind.String()
}
