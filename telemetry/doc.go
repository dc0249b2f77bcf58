// Package telemetry defines the event sink the inference engine and the
// resilience layer report to.
//
// # Overview
//
// Components never touch process-wide counters. Each one receives a Sink at
// construction and reports discrete events to it:
//
//	counters := telemetry.NewCounters()
//	net, _ := upscaler.FromLabel("bilinear", 4, upscaler.WithTelemetry(counters))
//
//	snap := counters.Snapshot()
//	fmt.Println(snap.BuffersCreated, snap.Inferences)
//
// # Implementations
//
//   - Nop: discards everything (the default when no sink is given)
//   - Counters: atomic in-memory counters with a Snapshot
//   - Prometheus: collectors registered on a caller-supplied Registerer
//   - Multi: fans events out to several sinks
//
// Only the outermost application (cmd/upscaled) decides which registry is
// used; tests construct their own.
package telemetry
