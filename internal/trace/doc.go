// Package trace records what the server and the build scheduler are doing.
//
// Enable tracing via command-line flags:
//
//	owlsp lsp --trace=- --trace-level=detail
//	owlsp check --trace=build.ndjson --trace-level=phase
//
// # Tracers
//
//   - Nop: zero-overhead tracer used when tracing is off
//   - StreamTracer: immediate write to a file or stderr
//   - RingTracer: circular buffer kept in memory and dumped on demand
//   - MultiTracer: fan-out to several tracers
//
// # Levels
//
//   - LevelOff: nothing
//   - LevelError: failures only
//   - LevelPhase: server lifecycle and unit builds
//   - LevelDetail: build phases (snapshot, provider, ranges, publish)
//   - LevelDebug: every protocol message
//
// # Context Propagation
//
//	ctx = trace.WithTracer(ctx, tracer)
//	t := trace.FromContext(ctx)
//
//	span := trace.Begin(t, trace.ScopeUnit, "build", parentID)
//	defer span.End("")
package trace
