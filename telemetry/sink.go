package telemetry

import "time"

// Item outcomes reported through Sink.ItemFinished.
const (
	OutcomeProcessed = "processed"
	OutcomeSkipped   = "skipped"
	OutcomeFailed    = "failed"
)

// Sink receives telemetry events. Implementations must be safe for
// concurrent use and must not block.
type Sink interface {
	// BufferCreated is reported every time a compute buffer is built.
	BufferCreated()

	// InferenceCompleted is reported after each network execution.
	InferenceCompleted(d time.Duration, err error)

	// RetryScheduled is reported before the executor waits for the next attempt.
	RetryScheduled(operation string, attempt int, delay time.Duration)

	// BreakerTransition is reported on every circuit breaker state change.
	BreakerTransition(breaker, from, to string)

	// ItemStarted and ItemFinished bracket one batch item.
	ItemStarted()
	ItemFinished(outcome string, d time.Duration)

	// ErrorRecorded is reported for each terminal error added to an aggregator.
	ErrorRecorded(category string)
}

// Nop discards all events.
type Nop struct{}

func (Nop) BufferCreated()                            {}
func (Nop) InferenceCompleted(time.Duration, error)   {}
func (Nop) RetryScheduled(string, int, time.Duration) {}
func (Nop) BreakerTransition(string, string, string)  {}
func (Nop) ItemStarted()                              {}
func (Nop) ItemFinished(string, time.Duration)        {}
func (Nop) ErrorRecorded(string)                      {}

// OrNop returns s, or Nop when s is nil.
func OrNop(s Sink) Sink {
	if s == nil {
		return Nop{}
	}
	return s
}

// Multi forwards every event to each sink in order.
type Multi []Sink

func (m Multi) BufferCreated() {
	for _, s := range m {
		s.BufferCreated()
	}
}

func (m Multi) InferenceCompleted(d time.Duration, err error) {
	for _, s := range m {
		s.InferenceCompleted(d, err)
	}
}

func (m Multi) RetryScheduled(operation string, attempt int, delay time.Duration) {
	for _, s := range m {
		s.RetryScheduled(operation, attempt, delay)
	}
}

func (m Multi) BreakerTransition(breaker, from, to string) {
	for _, s := range m {
		s.BreakerTransition(breaker, from, to)
	}
}

func (m Multi) ItemStarted() {
	for _, s := range m {
		s.ItemStarted()
	}
}

func (m Multi) ItemFinished(outcome string, d time.Duration) {
	for _, s := range m {
		s.ItemFinished(outcome, d)
	}
}

func (m Multi) ErrorRecorded(category string) {
	for _, s := range m {
		s.ErrorRecorded(category)
	}
}
