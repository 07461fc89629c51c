// Package source turns one kernel trace stream (one per-CPU trace_pipe, or
// any io.ReadCloser in tests) into a channel of decoded wire records.
//
// Each reader tags records with its source index and a strictly increasing
// per-source sequence number, which the merger uses to break timestamp ties
// deterministically. Kernel loss reports surface as Overflow records pinned
// to the last timestamp seen on that source; unrecognized lines are skipped
// and counted, malformed marker payloads are counted as parse errors. The
// reader blocks on the underlying stream and stops when the stream is closed.
package source
