package bufferpool

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/e7canasta/orion-upscaler/internal/graph"
)

// ErrNotCheckedOut is returned when a buffer is used or returned without
// being held by the caller.
var ErrNotCheckedOut = errors.New("bufferpool: buffer is not checked out")

// Buffer is one reusable execution context: a graph plus its scratch memory.
//
// Ownership:
//   - A Buffer is usable only between Pool.Acquire and Pool.Release/Discard
//   - Exactly one goroutine holds it at a time (checked-out flag, CAS guarded)
//   - It can be rebuilt at any moment from the weights it came from
type Buffer struct {
	id        uint64
	graph     *graph.Graph
	createdAt time.Time

	checkedOut atomic.Bool

	// uses is only written by the holder.
	uses uint64
}

// ID identifies the buffer within its pool (1-based, never reused).
func (b *Buffer) ID() uint64 { return b.id }

// Uses returns how many executions this buffer has served.
func (b *Buffer) Uses() uint64 { return b.uses }

// Execute runs the buffer's graph. The caller must hold the buffer.
func (b *Buffer) Execute(in *graph.Tensor, params []*graph.Tensor) (*graph.Tensor, error) {
	if !b.checkedOut.Load() {
		return nil, ErrNotCheckedOut
	}
	b.uses++
	return b.graph.Execute(in, params)
}

// CreatedAt returns when the buffer was built.
func (b *Buffer) CreatedAt() time.Time { return b.createdAt }
