// Package capture assembles and runs a tracing session.
//
// A session reads every per-CPU trace stream concurrently, merges them into
// one time-ordered record sequence, reconstructs spans and streams the
// result as a Chrome trace-event document:
//
//	sources -> merge -> span -> [sched] -> [filter] -> convert -> sink
//
// Run operates on arbitrary sources, which is what the tests use; Capture
// binds the same pipeline to the live kernel tracing facility and owns its
// setup and teardown.
package capture
