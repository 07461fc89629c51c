// Package convert serializes timeline entries into the Chrome trace-event
// JSON format consumed by about://tracing, Perfetto and speedscope.
//
// Completed spans become complete ("X") entries, point events become
// instants ("i"), scheduler slices land on synthetic per-CPU tracks and
// overflow discontinuities become global instants on the track of the CPU
// that lost data. Timestamps and durations are emitted as fractional
// microseconds so the trace clock's nanosecond resolution survives.
//
// The converter is an order-preserving transform: entries are streamed out
// in exactly the order the reconstructor produced them, with metadata
// records interleaved the first time a thread or CPU track appears.
package convert
