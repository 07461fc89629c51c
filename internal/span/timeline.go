package span

// EventKind classifies a timeline entry.
type EventKind int

const (
	// KindSpan is a completed (or unterminated) duration entry.
	KindSpan EventKind = iota
	// KindInstant is a point event.
	KindInstant
	// KindOverflow is a discontinuity where the kernel dropped entries.
	KindOverflow
	// KindSchedSwitch is a raw scheduling switch, folded into per-CPU
	// slices by the sched stage when scheduler tracks are enabled.
	KindSchedSwitch
	// KindSchedSlice is an interval during which one task ran on a CPU,
	// produced by folding consecutive switches.
	KindSchedSlice
)

// TimelineEvent is the reconstructor's output unit.
type TimelineEvent struct {
	Kind EventKind
	Name string

	// Start and Duration are trace-clock nanoseconds. Duration is zero for
	// instants and for the negative-duration degenerate case, which is
	// flagged rather than silently clamped.
	Start    uint64
	Duration uint64

	// Task attribution. For spans this is the opening thread.
	ThreadID int32
	TGID     int32
	Comm     string
	CPU      int

	SpanID   uint64
	ParentID uint64
	// Children holds the span ids opened under this span, in open order.
	Children []uint64

	Fields map[string]string

	// Unterminated marks a span still open when the session ended; its end
	// boundary is the session end, not a real close.
	Unterminated bool
	// NegativeDuration marks a close observed before its open after
	// ordering was clamped. Reported, never hidden.
	NegativeDuration bool

	// CloseThreadID is the thread that closed the span, which differs from
	// ThreadID when the owning task migrated. Only set for completed spans.
	CloseThreadID int32

	// Overflow entries: estimated lost record count, if the kernel knew it.
	Lost      uint64
	LostKnown bool
}

// Handler consumes reconstructed timeline entries in order.
type Handler interface {
	HandleTimelineEvent(ev *TimelineEvent) error
}

// Counters accumulates the session's recoverable anomalies.
type Counters struct {
	Overflows          uint64
	LostEntries        uint64
	ProtocolViolations uint64
	TruncatedCloses    uint64
	Unterminated       uint64
	NegativeDurations  uint64
}
