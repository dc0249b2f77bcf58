// Package batch fans work out over a bounded set of goroutines and drives
// directory-to-directory upscaling runs.
//
// ProcessBatch is the generic primitive: ordered results, independent items,
// panics contained per item. Runner builds on it:
//
//	read (retried) -> validate (never retried) -> Retry(Breaker(upscale + write))
//
// Terminal failures are categorized in a resilience.ErrorAggregator and the
// run is summarized in a Report.
package batch
