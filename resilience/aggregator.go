package resilience

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/e7canasta/orion-upscaler/telemetry"
)

const (
	// summarySamples bounds the samples kept per category in a summary.
	summarySamples = 5
	// displaySamples bounds the samples printed per category by String.
	displaySamples = 3
)

// ErrorRecord is one recorded failure.
type ErrorRecord struct {
	Path    string    `json:"path"`
	Message string    `json:"message"`
	Trace   string    `json:"trace,omitempty"`
	At      time.Time `json:"at"`
}

// CategorySummary aggregates one category.
type CategorySummary struct {
	Name    string        `json:"name"`
	Count   int           `json:"count"`
	Samples []ErrorRecord `json:"samples"`
}

// ErrorSummary is a point-in-time view of an ErrorAggregator. Categories are
// sorted by name; Total is the sum of their counts.
type ErrorSummary struct {
	Total      int               `json:"total"`
	Categories []CategorySummary `json:"categories"`
}

// Category looks up one category by name.
func (s ErrorSummary) Category(name string) (CategorySummary, bool) {
	for _, c := range s.Categories {
		if c.Name == name {
			return c, true
		}
	}
	return CategorySummary{}, false
}

// String renders the summary for terminal output.
func (s ErrorSummary) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Error Summary: %d total errors\n", s.Total)
	for _, c := range s.Categories {
		fmt.Fprintf(&b, "  %s: %d errors\n", c.Name, c.Count)
		for i, r := range c.Samples {
			if i == displaySamples {
				break
			}
			fmt.Fprintf(&b, "    - %s: %s\n", r.Path, r.Message)
		}
		if c.Count > displaySamples {
			fmt.Fprintf(&b, "    ... and %d more\n", c.Count-displaySamples)
		}
	}
	return b.String()
}

type category struct {
	mu      sync.Mutex
	records []ErrorRecord
}

// ErrorAggregator collects failures from concurrent workers by category.
//
// Each category has its own lock, so workers recording into different
// categories never contend. Records within a category keep the order in
// which each worker added them.
//
// Clear is meant for use between runs, not concurrently with recording.
type ErrorAggregator struct {
	categories sync.Map // name -> *category
	total      atomic.Int64
	sink       telemetry.Sink
}

// AggregatorOption customizes an ErrorAggregator.
type AggregatorOption func(*ErrorAggregator)

// WithAggregatorTelemetry reports each recorded error to sink.
func WithAggregatorTelemetry(sink telemetry.Sink) AggregatorOption {
	return func(a *ErrorAggregator) { a.sink = telemetry.OrNop(sink) }
}

// NewErrorAggregator creates an empty aggregator.
func NewErrorAggregator(opts ...AggregatorOption) *ErrorAggregator {
	a := &ErrorAggregator{sink: telemetry.Nop{}}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// RecordError appends a failure under name, capturing the caller's stack.
func (a *ErrorAggregator) RecordError(name, path, message string) {
	a.add(name, ErrorRecord{
		Path:    path,
		Message: message,
		Trace:   fmt.Sprintf("%+v", callers()),
		At:      time.Now(),
	})
}

// Record appends err under name. The stack of an *EnhancedError is kept;
// other errors get the caller's stack.
func (a *ErrorAggregator) Record(name, path string, err error) {
	trace := ""
	var e *EnhancedError
	if errors.As(err, &e) {
		trace = e.StackTrace()
	}
	if trace == "" {
		trace = fmt.Sprintf("%+v", callers())
	}
	a.add(name, ErrorRecord{
		Path:    path,
		Message: err.Error(),
		Trace:   trace,
		At:      time.Now(),
	})
}

func (a *ErrorAggregator) add(name string, r ErrorRecord) {
	v, ok := a.categories.Load(name)
	if !ok {
		v, _ = a.categories.LoadOrStore(name, &category{})
	}
	c := v.(*category)

	c.mu.Lock()
	c.records = append(c.records, r)
	c.mu.Unlock()

	a.total.Add(1)
	a.sink.ErrorRecorded(name)
}

// Total returns the number of errors recorded since the last Clear.
func (a *ErrorAggregator) Total() int { return int(a.total.Load()) }

// Records returns a copy of every record in one category.
func (a *ErrorAggregator) Records(name string) []ErrorRecord {
	v, ok := a.categories.Load(name)
	if !ok {
		return nil
	}
	c := v.(*category)
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]ErrorRecord(nil), c.records...)
}

// Summary returns counts and up to five samples per category.
func (a *ErrorAggregator) Summary() ErrorSummary {
	var s ErrorSummary
	a.categories.Range(func(key, value any) bool {
		c := value.(*category)

		c.mu.Lock()
		n := len(c.records)
		samples := append([]ErrorRecord(nil), c.records[:min(n, summarySamples)]...)
		c.mu.Unlock()

		if n == 0 {
			return true
		}
		s.Total += n
		s.Categories = append(s.Categories, CategorySummary{
			Name:    key.(string),
			Count:   n,
			Samples: samples,
		})
		return true
	})

	sort.Slice(s.Categories, func(i, j int) bool {
		return s.Categories[i].Name < s.Categories[j].Name
	})
	return s
}

// Clear drops every record and resets the counters.
func (a *ErrorAggregator) Clear() {
	a.categories.Range(func(key, _ any) bool {
		a.categories.Delete(key)
		return true
	})
	a.total.Store(0)
}
