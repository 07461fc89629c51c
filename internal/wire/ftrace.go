package wire

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Kernel line shapes. The prefix groups are comm, pid, optional tgid, cpu,
// seconds, sub-second digits, tracepoint name and payload. The flags column
// ("d..3" and friends) is skipped without capture.
var (
	lineRe = regexp.MustCompile(
		`^\s*(.*?)-(\d+)\s+(?:\(\s*(\d+|-+)\)\s+)?\[(\d+)\]\s+(?:[a-zA-Z0-9.]{4,6}\s+)?(\d+)\.(\d+):\s+([A-Za-z_]\w*):\s?(.*)$`)
	schedSwitchRe = regexp.MustCompile(
		`^prev_comm=(.*) prev_pid=(\d+) prev_prio=(-?\d+) prev_state=(\S+) ==> next_comm=(.*) next_pid=(\d+) next_prio=(-?\d+)`)
	lostBracketRe = regexp.MustCompile(`\[LOST (\d+) EVENTS?\]`)
	lostCountRe   = regexp.MustCompile(`entries lost[ =](\d+)`)
	clockSyncRe   = regexp.MustCompile(`parent_ts=(\d+)(?:\.(\d+))?`)
)

// Decode classifies one raw line from a trace source.
//
// A nil error with Kind Unrecognized means the line belongs to some other
// tracer and should be skipped silently. A non-nil error means the line was
// recognizably ours but malformed; the caller counts it and moves on.
func Decode(line string) (*Record, error) {
	m := lineRe.FindStringSubmatch(line)
	if m == nil {
		// Loss reports are the one kernel shape carrying no event prefix.
		// Checking them only here keeps marker payloads that merely mention
		// a loss from being misclassified.
		if r, ok := decodeLost(line); ok {
			return r, nil
		}
		return &Record{Kind: Unrecognized}, nil
	}

	ts, err := parseTimestamp(m[5], m[6])
	if err != nil {
		return nil, err
	}
	pid, err := strconv.ParseInt(m[2], 10, 32)
	if err != nil {
		return nil, fmt.Errorf("bad pid %q", m[2])
	}
	cpu, err := strconv.Atoi(m[4])
	if err != nil {
		return nil, fmt.Errorf("bad cpu %q", m[4])
	}
	tgid := int32(-1)
	if m[3] != "" && !strings.HasPrefix(m[3], "-") {
		v, err := strconv.ParseInt(m[3], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("bad tgid %q", m[3])
		}
		tgid = int32(v)
	}

	base := Record{
		Timestamp: ts,
		ThreadID:  int32(pid),
		TGID:      tgid,
		Comm:      strings.TrimSpace(m[1]),
		CPU:       cpu,
	}

	tracepoint, payload := m[7], m[8]
	switch tracepoint {
	case "tracing_mark_write", "print":
		return decodeMark(base, payload)
	case "sched_switch":
		return decodeSchedSwitch(base, payload)
	default:
		// Some other enabled event. Not ours, not an error.
		return &Record{Kind: Unrecognized}, nil
	}
}

func decodeMark(base Record, payload string) (*Record, error) {
	if strings.HasPrefix(payload, payloadPrefix) {
		r, err := decodePayload(strings.TrimRight(payload, "\n"))
		if err != nil {
			return nil, err
		}
		r.Timestamp = base.Timestamp
		r.ThreadID = base.ThreadID
		r.TGID = base.TGID
		r.Comm = base.Comm
		r.CPU = base.CPU
		return r, nil
	}
	if strings.HasPrefix(payload, "trace_event_clock_sync:") {
		r := base
		r.Kind = ClockSync
		if m := clockSyncRe.FindStringSubmatch(payload); m != nil {
			ts := m[1]
			if m[2] != "" {
				ts += "." + m[2]
			}
			r.Fields = map[string]string{"parent_ts": ts}
		}
		return &r, nil
	}
	// Markers written by processes that are not our emitter.
	return &Record{Kind: Unrecognized}, nil
}

func decodeSchedSwitch(base Record, payload string) (*Record, error) {
	m := schedSwitchRe.FindStringSubmatch(payload)
	if m == nil {
		return nil, fmt.Errorf("malformed sched_switch payload %q", payload)
	}
	r := base
	r.Kind = SchedSwitch
	r.Name = "sched_switch"
	r.Fields = map[string]string{
		"prev_comm":  m[1],
		"prev_pid":   m[2],
		"prev_prio":  m[3],
		"prev_state": m[4],
		"next_comm":  m[5],
		"next_pid":   m[6],
		"next_prio":  m[7],
	}
	return &r, nil
}

// decodeLost matches the shapes the ring buffer uses to report dropped
// entries: "CPU:2 [LOST 37 EVENTS]" in the text stream, and stat-style
// "entries lost=37" lines. A loss report without a count still surfaces as
// an overflow record with LostKnown false. Only called for lines that did
// not parse as a regular event line.
func decodeLost(line string) (*Record, bool) {
	if m := lostBracketRe.FindStringSubmatch(line); m != nil {
		n, err := strconv.ParseUint(m[1], 10, 64)
		if err == nil {
			return &Record{Kind: Overflow, Lost: n, LostKnown: true}, true
		}
		return &Record{Kind: Overflow}, true
	}
	if strings.Contains(line, "entries lost") {
		if m := lostCountRe.FindStringSubmatch(line); m != nil {
			if n, err := strconv.ParseUint(m[1], 10, 64); err == nil {
				return &Record{Kind: Overflow, Lost: n, LostKnown: true}, true
			}
		}
		return &Record{Kind: Overflow}, true
	}
	return nil, false
}

// parseTimestamp converts the textual sec.frac trace clock to nanoseconds.
// ftrace prints microseconds by default but the digit count is honored, so a
// nanosecond-resolution clock loses nothing.
func parseTimestamp(sec, frac string) (uint64, error) {
	s, err := strconv.ParseUint(sec, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad timestamp seconds %q", sec)
	}
	if len(frac) > 9 {
		frac = frac[:9]
	}
	f, err := strconv.ParseUint(frac, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad timestamp fraction %q", frac)
	}
	for i := len(frac); i < 9; i++ {
		f *= 10
	}
	return s*1e9 + f, nil
}
