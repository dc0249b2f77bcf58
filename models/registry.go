package models

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	upscaler "github.com/e7canasta/orion-upscaler"
	"github.com/e7canasta/orion-upscaler/resilience"
)

// DefaultCacheSize is the number of loaded networks a Registry keeps.
const DefaultCacheSize = 4

// DefaultLoadTimeout bounds one shared load, retries included.
const DefaultLoadTimeout = 2 * time.Minute

// Registry resolves model keys to networks.
//
// Thread-safety: Get may be called from any goroutine. Concurrent Gets for
// one uncached key perform a single fetch; every waiter receives its result.
type Registry struct {
	source   Source
	retry    *resilience.RetryExecutor
	cache    *lru.Cache[string, *upscaler.Network]
	group    singleflight.Group
	factor   int
	timeout  time.Duration
	netOpts  []upscaler.Option
	loads    atomic.Uint64
	failures atomic.Uint64
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithCacheSize bounds the number of cached networks.
func WithCacheSize(n int) RegistryOption {
	return func(r *Registry) {
		if n > 0 {
			r.cache, _ = lru.New[string, *upscaler.Network](n)
		}
	}
}

// WithBilinearFactor sets the factor of the built-in bilinear network.
func WithBilinearFactor(f int) RegistryOption {
	return func(r *Registry) { r.factor = f }
}

// WithLoadTimeout bounds each shared load. Non-positive values keep
// DefaultLoadTimeout.
func WithLoadTimeout(d time.Duration) RegistryOption {
	return func(r *Registry) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithNetworkOptions applies opts to every network the registry builds.
func WithNetworkOptions(opts ...upscaler.Option) RegistryOption {
	return func(r *Registry) { r.netOpts = append(r.netOpts, opts...) }
}

// NewRegistry builds a registry over source. A nil retry executor uses the
// default retry configuration.
func NewRegistry(source Source, retry *resilience.RetryExecutor, opts ...RegistryOption) *Registry {
	if retry == nil {
		retry = resilience.NewRetryExecutor(resilience.DefaultRetryConfig())
	}
	r := &Registry{source: source, retry: retry, timeout: DefaultLoadTimeout}
	r.cache, _ = lru.New[string, *upscaler.Network](DefaultCacheSize)
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Get returns the network for key, loading it on a cache miss.
//
// A shared load is detached from the callers' cancellation and bounded by the
// load timeout instead; ctx bounds only this caller's wait. A caller that
// gives up does not fail the others, and the load still fills the cache.
func (r *Registry) Get(ctx context.Context, key string) (*upscaler.Network, error) {
	if n, ok := r.cache.Get(key); ok {
		return n, nil
	}

	loadCtx := context.WithoutCancel(ctx)
	ch := r.group.DoChan(key, func() (any, error) {
		if n, ok := r.cache.Get(key); ok {
			return n, nil
		}
		lctx, cancel := context.WithTimeout(loadCtx, r.timeout)
		defer cancel()
		n, err := r.load(lctx, key)
		if err != nil {
			return nil, err
		}
		r.cache.Add(key, n)
		return n, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Shared {
			slog.Debug("models: shared concurrent load", "key", key)
		}
		return res.Val.(*upscaler.Network), nil
	case <-ctx.Done():
		slog.Debug("models: caller stopped waiting for load", "key", key, "error", ctx.Err())
		return nil, ctx.Err()
	}
}

func (r *Registry) load(ctx context.Context, key string) (*upscaler.Network, error) {
	if strings.EqualFold(key, upscaler.LabelBilinear) {
		return upscaler.FromLabel(upscaler.LabelBilinear, r.factor, r.netOpts...)
	}
	if r.source == nil {
		return nil, &upscaler.Error{Kind: upscaler.KindInvalidInput, Msg: fmt.Sprintf("no model source configured for %q", key)}
	}

	start := time.Now()
	r.loads.Add(1)
	ectx := resilience.NewErrorContext("fetch model").
		WithFile(key).
		WithMetadata("source", fmt.Sprint(r.source))

	data, err := resilience.Execute(ctx, r.retry, ectx, func(ctx context.Context) ([]byte, error) {
		return r.source.Fetch(ctx, key)
	})
	if err != nil {
		r.failures.Add(1)
		return nil, err
	}

	n, err := upscaler.Load(data, r.netOpts...)
	if err != nil {
		r.failures.Add(1)
		return nil, err
	}

	slog.Info("models: network loaded",
		"key", key,
		"bytes", len(data),
		"factor", n.Factor(),
		"duration", time.Since(start),
	)
	return n, nil
}

// Forget drops key from the cache.
func (r *Registry) Forget(key string) { r.cache.Remove(key) }

// Cached returns the cached keys, oldest first.
func (r *Registry) Cached() []string { return r.cache.Keys() }

// RegistryStats reports load activity.
type RegistryStats struct {
	Cached   int    `json:"cached"`
	Loads    uint64 `json:"loads"`
	Failures uint64 `json:"failures"`
}

func (r *Registry) Stats() RegistryStats {
	return RegistryStats{
		Cached:   r.cache.Len(),
		Loads:    r.loads.Load(),
		Failures: r.failures.Load(),
	}
}
