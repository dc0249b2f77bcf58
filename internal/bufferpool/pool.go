package bufferpool

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/e7canasta/orion-upscaler/internal/graph"
	"github.com/e7canasta/orion-upscaler/telemetry"
)

// Factory builds the graph for a new buffer. It is called without any pool
// lock held and may be slow.
type Factory func() (*graph.Graph, error)

// Pool is a bounded pool of compute buffers with explicit check-out/check-in.
//
// Design:
//   - Capacity tokens (semaphore) bound the number of buffers checked out,
//     so live buffers never exceed Capacity
//   - Idle buffers are reused LIFO (warm scratch memory first)
//   - Buffers are built lazily, outside the lock, only when no idle buffer
//     exists for the token holder
//
// Locking:
//   - mu guards idle and live only; it is never held across Factory or
//     across graph execution
//
// Failure mode:
//   - A Factory error is returned to the caller, not cached, and frees the
//     capacity slot; the next Acquire tries again
type Pool struct {
	factory  Factory
	capacity int
	tokens   *semaphore.Weighted
	sink     telemetry.Sink

	mu   sync.Mutex
	idle []*Buffer
	live int

	nextID        atomic.Uint64
	created       atomic.Uint64
	acquires      atomic.Uint64
	waits         atomic.Uint64
	buildFailures atomic.Uint64
	discards      atomic.Uint64
}

// Stats is a point-in-time snapshot of pool state.
type Stats struct {
	Capacity      int    `json:"capacity"`
	Live          int    `json:"live"`
	Idle          int    `json:"idle"`
	InUse         int    `json:"in_use"`
	Created       uint64 `json:"created"`
	Acquires      uint64 `json:"acquires"`
	Waits         uint64 `json:"waits"`
	BuildFailures uint64 `json:"build_failures"`
	Discards      uint64 `json:"discards"`
}

// New creates a pool holding at most capacity buffers. A non-positive
// capacity uses runtime.GOMAXPROCS(0), matching the default worker width.
func New(capacity int, factory Factory, sink telemetry.Sink) *Pool {
	if capacity <= 0 {
		capacity = runtime.GOMAXPROCS(0)
	}
	return &Pool{
		factory:  factory,
		capacity: capacity,
		tokens:   semaphore.NewWeighted(int64(capacity)),
		sink:     telemetry.OrNop(sink),
	}
}

// Capacity returns the maximum number of live buffers.
func (p *Pool) Capacity() int { return p.capacity }

// Acquire checks out a buffer, building one if the pool has room and no idle
// buffer exists. When all buffers are checked out it waits until one is
// released or ctx is done.
func (p *Pool) Acquire(ctx context.Context) (*Buffer, error) {
	if !p.tokens.TryAcquire(1) {
		p.waits.Add(1)
		if err := p.tokens.Acquire(ctx, 1); err != nil {
			return nil, fmt.Errorf("bufferpool: acquire: %w", err)
		}
	}
	p.acquires.Add(1)

	p.mu.Lock()
	if n := len(p.idle); n > 0 {
		b := p.idle[n-1]
		p.idle[n-1] = nil
		p.idle = p.idle[:n-1]
		p.mu.Unlock()

		b.checkedOut.Store(true)
		return b, nil
	}
	p.live++ // reserve the slot before building
	p.mu.Unlock()

	g, err := p.factory()
	if err != nil {
		p.mu.Lock()
		p.live--
		p.mu.Unlock()
		p.tokens.Release(1)
		p.buildFailures.Add(1)

		slog.Warn("bufferpool: buffer construction failed", "error", err)
		return nil, err
	}

	b := &Buffer{
		id:        p.nextID.Add(1),
		graph:     g,
		createdAt: time.Now(),
	}
	b.checkedOut.Store(true)
	p.created.Add(1)
	p.sink.BufferCreated()

	slog.Debug("bufferpool: buffer created", "id", b.id, "capacity", p.capacity)
	return b, nil
}

// Release checks a buffer back in for reuse.
func (p *Pool) Release(b *Buffer) error {
	if b == nil || !b.checkedOut.CompareAndSwap(true, false) {
		return ErrNotCheckedOut
	}
	p.mu.Lock()
	p.idle = append(p.idle, b)
	p.mu.Unlock()
	p.tokens.Release(1)
	return nil
}

// Discard checks a buffer in and drops it; its slot is rebuilt on demand.
func (p *Pool) Discard(b *Buffer) error {
	if b == nil || !b.checkedOut.CompareAndSwap(true, false) {
		return ErrNotCheckedOut
	}
	p.mu.Lock()
	p.live--
	p.mu.Unlock()
	p.tokens.Release(1)
	p.discards.Add(1)

	slog.Debug("bufferpool: buffer discarded", "id", b.id, "uses", b.uses)
	return nil
}

// With runs fn with a checked-out buffer and checks it back in afterwards.
// A panic inside fn discards the buffer before propagating.
func (p *Pool) With(ctx context.Context, fn func(*Buffer) error) error {
	b, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			_ = p.Discard(b)
			panic(r)
		}
	}()

	err = fn(b)
	_ = p.Release(b)
	return err
}

// Stats returns a snapshot of pool counters.
//
// Thread-safety: safe to call concurrently with Acquire/Release; the
// idle/live pair is read under the lock, counters atomically.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	live, idle := p.live, len(p.idle)
	p.mu.Unlock()

	return Stats{
		Capacity:      p.capacity,
		Live:          live,
		Idle:          idle,
		InUse:         live - idle,
		Created:       p.created.Load(),
		Acquires:      p.acquires.Load(),
		Waits:         p.waits.Load(),
		BuildFailures: p.buildFailures.Load(),
		Discards:      p.discards.Load(),
	}
}
