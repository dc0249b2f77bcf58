package upscaler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/e7canasta/orion-upscaler/internal/bufferpool"
	"github.com/e7canasta/orion-upscaler/internal/graph"
	"github.com/e7canasta/orion-upscaler/internal/weights"
	"github.com/e7canasta/orion-upscaler/telemetry"
)

// Tensor is a dense NHWC float32 array.
type Tensor = graph.Tensor

// Config holds the hyperparameters that determine the network topology.
type Config = graph.Config

// WeightStore holds immutable, validated model parameters.
type WeightStore = weights.Store

// Description is the serializable form of a WeightStore.
type Description = weights.Description

// Parameter is one serialized parameter tensor.
type Parameter = weights.Parameter

// PoolStats is a snapshot of the compute-buffer pool.
type PoolStats = bufferpool.Stats

// NewTensor allocates a zeroed tensor.
func NewTensor(shape ...int) *Tensor { return graph.NewTensor(shape...) }

// ParameterShapes returns the ordered parameter shapes cfg needs.
func ParameterShapes(cfg Config) ([][]int, error) { return graph.ParameterShapes(cfg) }

// NewWeightStore validates params against cfg.
func NewWeightStore(cfg Config, params []*Tensor, display string) (*WeightStore, error) {
	s, err := weights.New(cfg, params, display)
	if err != nil {
		return nil, &Error{Kind: KindDecode, Err: err}
	}
	return s, nil
}

// Option configures a Network.
type Option func(*options)

type options struct {
	poolSize int
	sink     telemetry.Sink
}

// WithPoolSize bounds the number of compute buffers. Non-positive values use
// runtime.GOMAXPROCS(0).
func WithPoolSize(n int) Option {
	return func(o *options) { o.poolSize = n }
}

// WithTelemetry reports buffer creation and inference timings to sink.
func WithTelemetry(sink telemetry.Sink) Option {
	return func(o *options) { o.sink = sink }
}

// Network is a thread-safe upscaling network.
//
// Design:
//   - weights are shared read-only by every call
//   - each call checks out a private compute buffer from a bounded pool
//   - buffers are built lazily and kept for reuse
//
// Thread-safety: all methods may be called from any goroutine.
type Network struct {
	weights *WeightStore
	pool    *bufferpool.Pool
	sink    telemetry.Sink
}

// New wraps a validated store. It never fails; buffers are built on first use.
func New(store *WeightStore, opts ...Option) *Network {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	sink := telemetry.OrNop(o.sink)

	n := &Network{
		weights: store,
		pool:    bufferpool.New(o.poolSize, store.NewGraph, sink),
		sink:    sink,
	}

	slog.Info("upscaler: network ready",
		"display", store.Display(),
		"factor", store.Factor(),
		"width", store.Width(),
		"log_depth", store.LogDepth(),
		"pool_capacity", n.pool.Capacity(),
	)
	return n
}

// Factor returns the upscaling factor.
func (n *Network) Factor() int { return n.weights.Factor() }

// Display returns the human-readable network name.
func (n *Network) Display() string { return n.weights.Display() }

func (n *Network) String() string { return n.weights.Display() }

// Weights returns the shared store.
func (n *Network) Weights() *WeightStore { return n.weights }

// PoolStats returns a snapshot of the buffer pool.
func (n *Network) PoolStats() PoolStats { return n.pool.Stats() }

// Validate checks that in is an image batch this network accepts:
// shape [N>=1, H>=1, W>=1, 3] with every value finite and in [0, 1].
func (n *Network) Validate(in *Tensor) error {
	if in == nil {
		return invalidInput("input tensor is nil")
	}
	if in.Rank() != 4 {
		return invalidInput(fmt.Sprintf("expected rank 4 [batch, height, width, %d], got shape %v", graph.Channels, in.Shape))
	}
	if in.Shape[0] < 1 || in.Shape[1] < 1 || in.Shape[2] < 1 {
		return invalidInput(fmt.Sprintf("shape %v has an empty dimension", in.Shape))
	}
	if in.Shape[3] != graph.Channels {
		return invalidInput(fmt.Sprintf("expected %d channels, got %d", graph.Channels, in.Shape[3]))
	}
	if len(in.Data) != graph.NumElements(in.Shape) {
		return invalidInput(fmt.Sprintf("data length %d does not match shape %v", len(in.Data), in.Shape))
	}
	for i, v := range in.Data {
		// NaN fails both comparisons
		if !(v >= 0 && v <= 1) {
			return invalidInput(fmt.Sprintf("value %v at index %d outside [0, 1]", v, i))
		}
	}
	return nil
}

// Process upscales a batch. The input is not modified; the output has shape
// [N, H*factor, W*factor, 3] and is owned by the caller.
//
// Blocks while every buffer is checked out; ctx bounds that wait only, a
// running execution is not interrupted. When ctx ends the wait the error
// wraps ctx.Err() and is not an *Error.
func (n *Network) Process(ctx context.Context, in *Tensor) (*Tensor, error) {
	if err := n.Validate(in); err != nil {
		return nil, err
	}

	start := time.Now()
	var out *Tensor
	err := n.pool.With(ctx, func(b *bufferpool.Buffer) error {
		var err error
		out, err = b.Execute(in, n.weights.Parameters())
		return err
	})
	elapsed := time.Since(start)
	n.sink.InferenceCompleted(elapsed, err)

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			return nil, err
		}
		slog.Warn("upscaler: inference failed", "display", n.Display(), "shape", in.Shape, "error", err)
		return nil, &Error{Kind: KindGraphExecution, Err: err}
	}

	slog.Debug("upscaler: inference completed",
		"display", n.Display(),
		"in_shape", in.Shape,
		"out_shape", out.Shape,
		"duration", elapsed,
	)
	return out, nil
}
