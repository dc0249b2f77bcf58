// Package models fetches weight containers and keeps loaded networks.
//
// A Source returns container bytes for a key (a file name, an object key).
// A Registry turns keys into ready *upscaler.Network values:
//
//   - fetches run through a resilience.RetryExecutor
//   - concurrent requests for the same key share one load
//   - loaded networks are kept in an LRU cache
//
// The key "bilinear" never touches the source; it builds the parameterless
// network directly.
package models
