package wire

// Kind classifies a decoded trace line.
type Kind int

const (
	// Unrecognized is any line the codec does not understand. These are
	// expected: the kernel interleaves unrelated tracer output with ours.
	Unrecognized Kind = iota
	SpanOpen
	SpanClose
	Event
	SchedSwitch
	ClockSync
	// Overflow marks a kernel-reported gap where ring-buffer entries were
	// dropped before the engine could read them.
	Overflow
)

// String returns the kind name for logs.
func (k Kind) String() string {
	switch k {
	case SpanOpen:
		return "span_open"
	case SpanClose:
		return "span_close"
	case Event:
		return "event"
	case SchedSwitch:
		return "sched_switch"
	case ClockSync:
		return "clock_sync"
	case Overflow:
		return "overflow"
	default:
		return "unrecognized"
	}
}

// Record is one parsed line from a trace source.
//
// Timestamp is the kernel trace clock in nanoseconds. Source and Sequence are
// assigned by the per-source reader, not the codec: Source is the index of the
// originating per-CPU stream and Sequence increases strictly within it.
type Record struct {
	Kind      Kind
	Timestamp uint64
	Source    int
	Sequence  uint64

	// Identity of the task the kernel attributed the line to.
	ThreadID int32
	TGID     int32 // -1 when the tgid column is absent or unknown
	Comm     string
	CPU      int

	// Span identity; SpanID is set for SpanOpen/SpanClose and for Event
	// records that carry an explicit span reference. ParentID is only
	// meaningful on SpanOpen (0 = root).
	SpanID   uint64
	ParentID uint64

	Name   string
	Fields map[string]string

	// Overflow only: estimated number of lost entries. LostKnown is false
	// when the kernel reported a loss without a count.
	Lost      uint64
	LostKnown bool
}
