package bufferpool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/e7canasta/orion-upscaler/internal/graph"
	"github.com/e7canasta/orion-upscaler/telemetry"
)

func bilinearFactory(calls *atomic.Int64) Factory {
	return func() (*graph.Graph, error) {
		calls.Add(1)
		return graph.New(graph.Config{Factor: 2})
	}
}

// TestSequentialCallersShareOneBuffer validates buffers are built per
// concurrent holder, not per call.
//
// Scenario:
//  1. 100 acquire/release cycles from one goroutine
//  2. Assert: factory called once, one live buffer
func TestSequentialCallersShareOneBuffer(t *testing.T) {
	var calls atomic.Int64
	counters := telemetry.NewCounters()
	p := New(4, bilinearFactory(&calls), counters)

	for i := 0; i < 100; i++ {
		b, err := p.Acquire(context.Background())
		if err != nil {
			t.Fatalf("Acquire failed: %v", err)
		}
		if err := p.Release(b); err != nil {
			t.Fatalf("Release failed: %v", err)
		}
	}

	if calls.Load() != 1 {
		t.Errorf("factory called %d times, want 1", calls.Load())
	}
	stats := p.Stats()
	if stats.Created != 1 || stats.Live != 1 || stats.Idle != 1 || stats.Acquires != 100 {
		t.Errorf("unexpected stats: %+v", stats)
	}
	if got := counters.Snapshot().BuffersCreated; got != 1 {
		t.Errorf("telemetry buffers created = %d, want 1", got)
	}
}

// TestConcurrentHoldersNeverShareABuffer validates the check-out discipline.
//
// Contract:
//   - A buffer is never held by two goroutines at once
//   - Buffers built never exceed capacity
func TestConcurrentHoldersNeverShareABuffer(t *testing.T) {
	const capacity = 4
	var calls atomic.Int64
	p := New(capacity, bilinearFactory(&calls), nil)

	var holders sync.Map // buffer id -> *atomic.Bool
	var inUse, maxInUse atomic.Int64
	var overlaps atomic.Int64

	var wg sync.WaitGroup
	start := make(chan struct{})
	for w := 0; w < 32; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			for i := 0; i < 20; i++ {
				err := p.With(context.Background(), func(b *Buffer) error {
					flag, _ := holders.LoadOrStore(b.ID(), &atomic.Bool{})
					if !flag.(*atomic.Bool).CompareAndSwap(false, true) {
						overlaps.Add(1)
					}
					n := inUse.Add(1)
					for {
						m := maxInUse.Load()
						if n <= m || maxInUse.CompareAndSwap(m, n) {
							break
						}
					}
					_, err := b.Execute(graph.NewTensor(1, 2, 2, graph.Channels), nil)
					inUse.Add(-1)
					flag.(*atomic.Bool).Store(false)
					return err
				})
				if err != nil {
					t.Errorf("With failed: %v", err)
					return
				}
			}
		}()
	}
	close(start)
	wg.Wait()

	if overlaps.Load() != 0 {
		t.Errorf("%d overlapping uses of one buffer", overlaps.Load())
	}
	if maxInUse.Load() > capacity {
		t.Errorf("max in use %d exceeds capacity %d", maxInUse.Load(), capacity)
	}
	stats := p.Stats()
	if stats.Created > capacity || int64(stats.Created) != calls.Load() {
		t.Errorf("created=%d factory calls=%d capacity=%d", stats.Created, calls.Load(), capacity)
	}
	if stats.InUse != 0 {
		t.Errorf("in use after all releases = %d", stats.InUse)
	}
	t.Logf("✅ 640 executions served by %d buffers (max concurrent %d)", stats.Created, maxInUse.Load())
}

func TestBuildFailureIsNotCached(t *testing.T) {
	var calls atomic.Int64
	p := New(1, func() (*graph.Graph, error) {
		if calls.Add(1) == 1 {
			return nil, &graph.GraphError{Op: "build", Msg: "transient"}
		}
		return graph.New(graph.Config{Factor: 1})
	}, nil)

	_, err := p.Acquire(context.Background())
	var gerr *graph.GraphError
	if !errors.As(err, &gerr) {
		t.Fatalf("expected *graph.GraphError, got %v", err)
	}

	// capacity 1: a leaked slot would block here
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	b, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("second Acquire failed: %v", err)
	}
	_ = p.Release(b)

	stats := p.Stats()
	if stats.BuildFailures != 1 || stats.Created != 1 || stats.Live != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestAcquireWaitsForRelease(t *testing.T) {
	var calls atomic.Int64
	p := New(1, bilinearFactory(&calls), nil)

	held, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := p.Acquire(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}

	got := make(chan *Buffer)
	go func() {
		b, err := p.Acquire(context.Background())
		if err != nil {
			t.Errorf("Acquire failed: %v", err)
		}
		got <- b
	}()

	time.Sleep(10 * time.Millisecond)
	_ = p.Release(held)

	select {
	case b := <-got:
		if b != held {
			t.Errorf("expected the released buffer to be reused")
		}
		_ = p.Release(b)
	case <-time.After(time.Second):
		t.Fatal("Acquire did not wake after Release")
	}

	if p.Stats().Waits < 1 {
		t.Errorf("waits = %d, want >= 1", p.Stats().Waits)
	}
}

func TestCheckOutDiscipline(t *testing.T) {
	var calls atomic.Int64
	p := New(2, bilinearFactory(&calls), nil)

	b, _ := p.Acquire(context.Background())
	if err := p.Release(b); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if err := p.Release(b); !errors.Is(err, ErrNotCheckedOut) {
		t.Errorf("double release: got %v, want ErrNotCheckedOut", err)
	}
	if _, err := b.Execute(graph.NewTensor(1, 1, 1, graph.Channels), nil); !errors.Is(err, ErrNotCheckedOut) {
		t.Errorf("execute after release: got %v, want ErrNotCheckedOut", err)
	}
	if err := p.Discard(b); !errors.Is(err, ErrNotCheckedOut) {
		t.Errorf("discard after release: got %v, want ErrNotCheckedOut", err)
	}
}

func TestDiscardRebuildsOnDemand(t *testing.T) {
	var calls atomic.Int64
	p := New(1, bilinearFactory(&calls), nil)

	b, _ := p.Acquire(context.Background())
	if err := p.Discard(b); err != nil {
		t.Fatalf("Discard failed: %v", err)
	}
	b2, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire after discard failed: %v", err)
	}
	if b2.ID() == b.ID() {
		t.Error("discarded buffer was reused")
	}
	_ = p.Release(b2)

	stats := p.Stats()
	if stats.Created != 2 || stats.Discards != 1 || stats.Live != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestWithDiscardsOnPanic(t *testing.T) {
	var calls atomic.Int64
	p := New(1, bilinearFactory(&calls), nil)

	func() {
		defer func() {
			if recover() == nil {
				t.Error("expected panic to propagate")
			}
		}()
		_ = p.With(context.Background(), func(*Buffer) error { panic("boom") })
	}()

	stats := p.Stats()
	if stats.Discards != 1 || stats.Live != 0 {
		t.Errorf("unexpected stats after panic: %+v", stats)
	}
}

// TestConstructionDoesNotHoldLock validates other callers are not blocked
// while a buffer is being built.
func TestConstructionDoesNotHoldLock(t *testing.T) {
	building := make(chan struct{})
	unblock := make(chan struct{})
	p := New(2, func() (*graph.Graph, error) {
		close(building)
		<-unblock
		return graph.New(graph.Config{Factor: 1})
	}, nil)

	done := make(chan error, 1)
	go func() {
		b, err := p.Acquire(context.Background())
		if err == nil {
			err = p.Release(b)
		}
		done <- err
	}()

	<-building
	statsDone := make(chan Stats, 1)
	go func() { statsDone <- p.Stats() }()

	select {
	case s := <-statsDone:
		if s.Live != 1 {
			t.Errorf("live during construction = %d, want 1 (reserved)", s.Live)
		}
	case <-time.After(time.Second):
		t.Fatal("Stats blocked while a buffer was being built")
	}

	close(unblock)
	if err := <-done; err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
}

func TestDefaultCapacity(t *testing.T) {
	p := New(0, nil, nil)
	if p.Capacity() < 1 {
		t.Errorf("capacity = %d, want >= 1", p.Capacity())
	}
}
