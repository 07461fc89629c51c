// Package tracefs manages the kernel's tracing filesystem for a capture run:
// locating the mount, flipping the knobs a capture needs, opening the
// per-CPU trace_pipe streams and the trace_marker write endpoint.
//
// The tracing facility is process-wide, externally-owned state. Everything
// downstream of this package works on plain readers/writers, so the rest of
// the pipeline is tested against synthetic in-memory sources and never
// touches a real kernel.
package tracefs
