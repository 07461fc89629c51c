// Package span reconstructs span lifecycles from the merged record sequence.
//
// Live spans are keyed by span id, not by call-stack position, so a span
// opened on one thread and closed on another still pairs up into a single
// timeline entry. Nesting comes exclusively from the parent id carried on the
// open record. Point events without an explicit span reference attach to the
// innermost span currently open on the same thread.
//
// The live map is owned and mutated by the reconstruction stage alone; no
// other pipeline stage touches it, so it needs no locking.
package span
