// Package upscaler serves an image-upscaling network to many concurrent
// callers without serializing them behind one lock.
//
// # Overview
//
// A Network pairs two things:
//
//   - a WeightStore: immutable parameters and hyperparameters, shared
//     read-only by every call
//   - a bounded pool of compute buffers: each buffer is an execution graph
//     with its own scratch memory, checked out by exactly one goroutine for
//     the duration of one call
//
// Weights are loaded once; buffers are built lazily, at most one per
// concurrent caller up to the pool size, and reused afterwards.
//
// # Basic Usage
//
//	net, err := upscaler.LoadFile("natural.rsr", upscaler.WithPoolSize(8))
//	if err != nil {
//	    return err
//	}
//
//	out, err := net.UpscaleImage(ctx, img)   // safe from any goroutine
//
// Tensors use NHWC layout [1, height, width, 3] with values in [0, 1]. The
// output is [1, height*factor, width*factor, 3].
//
// # Errors
//
// Every failure is an *Error matching one of ErrInvalidInput,
// ErrGraphExecution, ErrIO, ErrNetwork or ErrDecode via errors.Is. Errors
// report their retryability and resilience kind, so the resilience package
// classifies them without string matching.
//
// # Model Container
//
// Weights are stored as an xz stream of a byte-shuffled msgpack description
// (factor, width, log depth, global node factor, parameter tensors). See
// EncodeWeights and Load.
//
// # Thread Safety
//
// All Network methods are safe for concurrent use. No lock is held while a
// graph executes; the pool lock covers idle-list bookkeeping only.
package upscaler
