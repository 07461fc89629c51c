// Package wire defines the text record format exchanged between the emitter
// and the capture engine through the kernel trace stream, and the decoder for
// the per-CPU trace_pipe line format the kernel wraps around it.
//
// Marker payload grammar (authoritative contract between both halves):
//
//	AT|B|<span_id>|<parent_span_id or ->|<name>[|<fields>]   span open
//	AT|E|<span_id>                                           span close
//	AT|I|<span_id or ->|<name>[|<fields>]                    point event
//
// Span ids are decimal uint64, never zero. A parent or event span id of "-"
// means absent. <fields> is "key=value" pairs joined by ";". Within any
// segment the bytes '%', '|', ';', '=', '\n' and '\r' are percent-escaped
// (%25, %7C, %3B, %3D, %0A, %0D), which keeps a record self-delimiting no
// matter what an application puts in a name or field value.
//
// The decoder additionally understands the kernel-side wrapping:
//
//	comm-pid [cpu] flags sec.usec: tracing_mark_write: <payload>
//
// as well as sched_switch event lines, clock-sync markers and ring-buffer
// loss markers. Any line that matches none of these decodes as Unrecognized
// and is skipped by the caller; a line that is recognizably an AT payload but
// malformed is a parse error, counted and skipped, never fatal.
package wire
