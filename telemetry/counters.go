package telemetry

import (
	"sync"
	"sync/atomic"
	"time"
)

// Counters is an in-memory Sink backed by atomic counters.
//
// Per-label maps (outcomes, error categories, transitions) sit behind a
// mutex held only for the map update.
type Counters struct {
	buffersCreated  atomic.Uint64
	inferences      atomic.Uint64
	inferenceErrors atomic.Uint64
	inferenceNanos  atomic.Int64
	retries         atomic.Uint64
	activeItems     atomic.Int64

	mu          sync.Mutex
	items       map[string]uint64
	errors      map[string]uint64
	transitions map[string]uint64
}

// Snapshot is a point-in-time copy of Counters.
type Snapshot struct {
	BuffersCreated  uint64            `json:"buffers_created"`
	Inferences      uint64            `json:"inferences"`
	InferenceErrors uint64            `json:"inference_errors"`
	InferenceTime   time.Duration     `json:"inference_time"`
	Retries         uint64            `json:"retries"`
	ActiveItems     int64             `json:"active_items"`
	Items           map[string]uint64 `json:"items"`
	Errors          map[string]uint64 `json:"errors"`
	Transitions     map[string]uint64 `json:"transitions"`
}

// NewCounters returns zeroed counters.
func NewCounters() *Counters {
	return &Counters{
		items:       make(map[string]uint64),
		errors:      make(map[string]uint64),
		transitions: make(map[string]uint64),
	}
}

func (c *Counters) BufferCreated() { c.buffersCreated.Add(1) }

func (c *Counters) InferenceCompleted(d time.Duration, err error) {
	c.inferences.Add(1)
	c.inferenceNanos.Add(int64(d))
	if err != nil {
		c.inferenceErrors.Add(1)
	}
}

func (c *Counters) RetryScheduled(string, int, time.Duration) { c.retries.Add(1) }

func (c *Counters) BreakerTransition(breaker, from, to string) {
	c.bump(c.transitions, breaker+":"+from+"->"+to)
}

func (c *Counters) ItemStarted() { c.activeItems.Add(1) }

func (c *Counters) ItemFinished(outcome string, _ time.Duration) {
	c.activeItems.Add(-1)
	c.bump(c.items, outcome)
}

func (c *Counters) ErrorRecorded(category string) { c.bump(c.errors, category) }

func (c *Counters) bump(m map[string]uint64, key string) {
	c.mu.Lock()
	m[key]++
	c.mu.Unlock()
}

// Snapshot returns a copy of all counters.
func (c *Counters) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Snapshot{
		BuffersCreated:  c.buffersCreated.Load(),
		Inferences:      c.inferences.Load(),
		InferenceErrors: c.inferenceErrors.Load(),
		InferenceTime:   time.Duration(c.inferenceNanos.Load()),
		Retries:         c.retries.Load(),
		ActiveItems:     c.activeItems.Load(),
		Items:           copyMap(c.items),
		Errors:          copyMap(c.errors),
		Transitions:     copyMap(c.transitions),
	}
}

func copyMap(m map[string]uint64) map[string]uint64 {
	out := make(map[string]uint64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
