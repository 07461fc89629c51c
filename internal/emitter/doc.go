// Package emitter is the producing half of the trace bridge: it encodes span
// opens/closes and point events as wire records and writes them into the
// kernel's trace_marker endpoint, where the capture engine (or any other
// trace_pipe consumer) picks them up.
//
// Writer is the low-level API. SpanProcessor plugs the same mechanism into
// the OpenTelemetry SDK, so any code already instrumented with otel spans
// feeds the kernel trace without modification. Span identity rides in the
// record payload rather than the thread id, which is what lets a span close
// on a different goroutine or thread than it opened on.
package emitter
