// Package resilience protects and reports on batches of fallible operations.
//
// # Overview
//
// Three components, composed by batch drivers:
//
//   - RetryExecutor: bounded retries with exponential backoff and jitter,
//     retrying only errors that classify as retryable
//   - CircuitBreaker: Closed/Open/HalfOpen admission control in front of a
//     failing dependency
//   - ErrorAggregator: categorized, concurrent-safe collection of terminal
//     failures for end-of-run reporting
//
// # Composition
//
// Retries wrap the breaker, never the other way round. The breaker runs the
// operation at most once per call:
//
//	retry := resilience.NewRetryExecutor(resilience.DefaultRetryConfig())
//	breaker := resilience.NewCircuitBreaker(5, 3, 30*time.Second)
//	agg := resilience.NewErrorAggregator()
//
//	ectx := resilience.NewErrorContext("upscale").WithFile(path)
//	err := retry.Do(ctx, ectx, func(ctx context.Context) error {
//	    return breaker.Call(func() error { return process(ctx, path) })
//	})
//	if err != nil {
//	    agg.Record(resilience.Category(err), path, err)
//	}
//
// # Error taxonomy
//
// EnhancedError carries one Kind:
//
//	Kind             Retryable   Retry hint
//	io               yes         -
//	image            no          -
//	network          per error   -
//	validation       no          -
//	transient        yes         optional
//	permanent        no          -
//	rate_limit       yes         required
//	circuit_open     yes         time until trial call
//
// Errors from other packages take part through the Retryable and Classifier
// capabilities; anything else is permanent.
//
// # Locking
//
// No component holds a lock while the guarded operation runs or while
// waiting between attempts. The breaker's state machine is a
// gobreaker.TwoStepCircuitBreaker, whose lock serializes transitions only;
// the aggregator locks one category at a time.
package resilience
