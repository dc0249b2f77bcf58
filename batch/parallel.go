package batch

import (
	"context"
	"fmt"
	"runtime"
	"runtime/debug"

	"golang.org/x/sync/errgroup"
)

// Result is the outcome of one item.
type Result[R any] struct {
	Value R
	Err   error
}

// PanicError is returned for an item whose operation panicked.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("batch: item panicked: %v", e.Value)
}

// ProcessBatch runs op on every item using at most workers goroutines and
// returns one Result per item, in input order.
//
// Semantics:
//   - one item's failure or panic never affects another item
//   - items not yet started when ctx is done fail with ctx.Err()
//   - workers <= 0 uses runtime.GOMAXPROCS(0)
func ProcessBatch[T, R any](ctx context.Context, items []T, op func(context.Context, T) (R, error), workers int) []Result[R] {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	results := make([]Result[R], len(items))

	// plain Group: an item error must not cancel its siblings
	var g errgroup.Group
	g.SetLimit(workers)
	for i, item := range items {
		g.Go(func() error {
			results[i] = runItem(ctx, item, op)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func runItem[T, R any](ctx context.Context, item T, op func(context.Context, T) (R, error)) (res Result[R]) {
	if err := ctx.Err(); err != nil {
		res.Err = err
		return res
	}
	defer func() {
		if r := recover(); r != nil {
			res = Result[R]{Err: &PanicError{Value: r, Stack: debug.Stack()}}
		}
	}()
	v, err := op(ctx, item)
	return Result[R]{Value: v, Err: err}
}
