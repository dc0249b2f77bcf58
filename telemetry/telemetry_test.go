package telemetry_test

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/e7canasta/orion-upscaler/telemetry"
)

func TestCountersConcurrent(t *testing.T) {
	c := telemetry.NewCounters()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.BufferCreated()
				c.InferenceCompleted(time.Millisecond, nil)
				c.ItemStarted()
				c.ItemFinished(telemetry.OutcomeProcessed, time.Millisecond)
				c.ErrorRecorded("io")
			}
		}()
	}
	wg.Wait()

	snap := c.Snapshot()
	if snap.BuffersCreated != 800 || snap.Inferences != 800 {
		t.Errorf("buffers=%d inferences=%d, want 800/800", snap.BuffersCreated, snap.Inferences)
	}
	if snap.InferenceTime != 800*time.Millisecond {
		t.Errorf("inference time = %v", snap.InferenceTime)
	}
	if snap.ActiveItems != 0 {
		t.Errorf("active items = %d, want 0", snap.ActiveItems)
	}
	if snap.Items[telemetry.OutcomeProcessed] != 800 || snap.Errors["io"] != 800 {
		t.Errorf("items=%v errors=%v", snap.Items, snap.Errors)
	}
}

func TestCountersSnapshotIsCopy(t *testing.T) {
	c := telemetry.NewCounters()
	c.ErrorRecorded("network")
	snap := c.Snapshot()
	c.ErrorRecorded("network")

	if snap.Errors["network"] != 1 {
		t.Errorf("snapshot changed after later events: %v", snap.Errors)
	}
}

func TestPrometheusSink(t *testing.T) {
	reg := prometheus.NewRegistry()
	p, err := telemetry.NewPrometheus(reg, "upscaler")
	if err != nil {
		t.Fatalf("NewPrometheus failed: %v", err)
	}

	p.BufferCreated()
	p.BufferCreated()
	p.InferenceCompleted(10*time.Millisecond, nil)
	p.InferenceCompleted(10*time.Millisecond, errors.New("boom"))
	p.RetryScheduled("upscale", 1, time.Millisecond)
	p.BreakerTransition("inference", "closed", "open")
	p.ItemStarted()
	p.ItemFinished(telemetry.OutcomeFailed, time.Second)
	p.ErrorRecorded("validation")

	expected := `
# HELP upscaler_buffers_created_total Compute buffers built by the buffer pool.
# TYPE upscaler_buffers_created_total counter
upscaler_buffers_created_total 2
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(expected), "upscaler_buffers_created_total"); err != nil {
		t.Errorf("buffers_created_total mismatch: %v", err)
	}

	count, err := testutil.GatherAndCount(reg, "upscaler_inference_duration_seconds")
	if err != nil {
		t.Fatalf("GatherAndCount failed: %v", err)
	}
	if count != 2 {
		t.Errorf("inference histogram series = %d, want 2 (ok, error)", count)
	}

	names := []string{
		"upscaler_retries_total",
		"upscaler_breaker_transitions_total",
		"upscaler_breaker_state",
		"upscaler_items_total",
		"upscaler_errors_total",
	}
	for _, name := range names {
		if n, err := testutil.GatherAndCount(reg, name); err != nil || n != 1 {
			t.Errorf("%s: count=%d err=%v, want 1 series", name, n, err)
		}
	}
}

func TestPrometheusDuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	if _, err := telemetry.NewPrometheus(reg, "upscaler"); err != nil {
		t.Fatalf("first NewPrometheus failed: %v", err)
	}
	if _, err := telemetry.NewPrometheus(reg, "upscaler"); err == nil {
		t.Fatal("expected duplicate registration error")
	}
}

func TestMultiFansOut(t *testing.T) {
	a, b := telemetry.NewCounters(), telemetry.NewCounters()
	m := telemetry.Multi{a, b, telemetry.Nop{}}
	m.RetryScheduled("op", 1, time.Millisecond)
	m.BreakerTransition("x", "closed", "open")

	for i, c := range []*telemetry.Counters{a, b} {
		snap := c.Snapshot()
		if snap.Retries != 1 || snap.Transitions["x:closed->open"] != 1 {
			t.Errorf("sink %d: %+v", i, snap)
		}
	}
}
