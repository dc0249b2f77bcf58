package telemetry

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus is a Sink that records events as Prometheus collectors.
type Prometheus struct {
	buffersCreated     prometheus.Counter
	inferenceDuration  *prometheus.HistogramVec
	retries            *prometheus.CounterVec
	breakerTransitions *prometheus.CounterVec
	breakerState       *prometheus.GaugeVec
	activeItems        prometheus.Gauge
	items              *prometheus.CounterVec
	itemDuration       prometheus.Histogram
	errors             *prometheus.CounterVec
}

// breakerStateValue maps breaker state names onto the gauge value.
var breakerStateValue = map[string]float64{
	"closed":    0,
	"half-open": 1,
	"open":      2,
}

// NewPrometheus creates the collectors under namespace and registers them on
// reg. Registration failures (duplicate names) are returned.
func NewPrometheus(reg prometheus.Registerer, namespace string) (*Prometheus, error) {
	p := &Prometheus{
		buffersCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "buffers_created_total",
			Help:      "Compute buffers built by the buffer pool.",
		}),
		inferenceDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "inference_duration_seconds",
			Help:      "Network execution latency.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}, []string{"outcome"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Retry attempts scheduled, by operation.",
		}, []string{"operation"}),
		breakerTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "breaker_transitions_total",
			Help:      "Circuit breaker state transitions.",
		}, []string{"breaker", "from", "to"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "breaker_state",
			Help:      "Circuit breaker state (0 closed, 1 half-open, 2 open).",
		}, []string{"breaker"}),
		activeItems: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_items",
			Help:      "Batch items currently in flight.",
		}),
		items: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_total",
			Help:      "Batch items finished, by outcome.",
		}, []string{"outcome"}),
		itemDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "item_duration_seconds",
			Help:      "Wall time per batch item including retries.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14),
		}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Terminal errors recorded, by category.",
		}, []string{"category"}),
	}

	for _, c := range []prometheus.Collector{
		p.buffersCreated, p.inferenceDuration, p.retries, p.breakerTransitions,
		p.breakerState, p.activeItems, p.items, p.itemDuration, p.errors,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("telemetry: register collector: %w", err)
		}
	}
	return p, nil
}

func (p *Prometheus) BufferCreated() { p.buffersCreated.Inc() }

func (p *Prometheus) InferenceCompleted(d time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	p.inferenceDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

func (p *Prometheus) RetryScheduled(operation string, _ int, _ time.Duration) {
	p.retries.WithLabelValues(operation).Inc()
}

func (p *Prometheus) BreakerTransition(breaker, from, to string) {
	p.breakerTransitions.WithLabelValues(breaker, from, to).Inc()
	if v, ok := breakerStateValue[to]; ok {
		p.breakerState.WithLabelValues(breaker).Set(v)
	}
}

func (p *Prometheus) ItemStarted() { p.activeItems.Inc() }

func (p *Prometheus) ItemFinished(outcome string, d time.Duration) {
	p.activeItems.Dec()
	p.items.WithLabelValues(outcome).Inc()
	p.itemDuration.Observe(d.Seconds())
}

func (p *Prometheus) ErrorRecorded(category string) {
	p.errors.WithLabelValues(category).Inc()
}
