package convert

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"atrace/internal/span"
)

// Synthetic process ids for the per-CPU scheduler tracks, far above any real
// pid so they sort to the bottom of a viewer.
const cpuTrackBase = 1_000_000

// traceEvent is one entry of the traceEvents array.
type traceEvent struct {
	Name      string         `json:"name"`
	Phase     string         `json:"ph"`
	Timestamp float64        `json:"ts"`
	Duration  *float64       `json:"dur,omitempty"`
	ProcessID int64          `json:"pid"`
	ThreadID  int64          `json:"tid"`
	Category  string         `json:"cat,omitempty"`
	Scope     string         `json:"s,omitempty"`
	Args      map[string]any `json:"args,omitempty"`
}

// Writer streams timeline entries as trace-event JSON. It implements
// span.Handler so it can terminate the pipeline directly or sit behind the
// sched folder and filter stages.
type Writer struct {
	w          io.Writer
	wroteEvent bool
	closed     bool

	namedThreads map[int64]string
	namedTracks  map[int]bool
}

// NewWriter creates a converter writing to w. Begin must be called before
// any entry is handled.
func NewWriter(w io.Writer) *Writer {
	return &Writer{
		w:            w,
		namedThreads: make(map[int64]string),
		namedTracks:  make(map[int]bool),
	}
}

// Begin writes the document prefix.
func (c *Writer) Begin() error {
	_, err := io.WriteString(c.w, `{"traceEvents":[`)
	return err
}

// HandleTimelineEvent implements span.Handler.
func (c *Writer) HandleTimelineEvent(ev *span.TimelineEvent) error {
	switch ev.Kind {
	case span.KindSpan:
		return c.writeSpan(ev)
	case span.KindInstant:
		return c.writeInstant(ev)
	case span.KindOverflow:
		return c.writeOverflow(ev)
	case span.KindSchedSlice:
		return c.writeSchedSlice(ev)
	default:
		// Raw sched switches only reach the converter when folding is
		// disabled; they carry nothing a viewer can render.
		return nil
	}
}

// End writes the document suffix. otherData lands in the viewer's metadata
// panel.
func (c *Writer) End(otherData map[string]any) error {
	if c.closed {
		return nil
	}
	c.closed = true

	meta, err := json.Marshal(otherData)
	if err != nil {
		return fmt.Errorf("encoding trace metadata: %w", err)
	}
	_, err = fmt.Fprintf(c.w, `],"displayTimeUnit":"ns","otherData":%s}`+"\n", meta)
	return err
}

func (c *Writer) writeSpan(ev *span.TimelineEvent) error {
	pid := processID(ev)
	if err := c.nameThread(pid, int64(ev.ThreadID), ev.Comm); err != nil {
		return err
	}

	args := fieldArgs(ev.Fields)
	args["span_id"] = strconv.FormatUint(ev.SpanID, 10)
	if ev.ParentID != 0 {
		args["parent_span_id"] = strconv.FormatUint(ev.ParentID, 10)
	}
	if len(ev.Children) > 0 {
		children := make([]string, len(ev.Children))
		for i, id := range ev.Children {
			children[i] = strconv.FormatUint(id, 10)
		}
		args["children"] = children
	}
	if ev.Unterminated {
		args["unterminated"] = true
	}
	if ev.NegativeDuration {
		args["negative_duration"] = true
	}
	if ev.CloseThreadID != 0 && ev.CloseThreadID != ev.ThreadID {
		args["close_tid"] = ev.CloseThreadID
	}

	dur := micros(ev.Duration)
	return c.write(&traceEvent{
		Name:      ev.Name,
		Phase:     "X",
		Timestamp: micros(ev.Start),
		Duration:  &dur,
		ProcessID: pid,
		ThreadID:  int64(ev.ThreadID),
		Category:  "span",
		Args:      args,
	})
}

func (c *Writer) writeInstant(ev *span.TimelineEvent) error {
	pid := processID(ev)
	if err := c.nameThread(pid, int64(ev.ThreadID), ev.Comm); err != nil {
		return err
	}

	args := fieldArgs(ev.Fields)
	if ev.SpanID != 0 {
		args["span_id"] = strconv.FormatUint(ev.SpanID, 10)
	}
	return c.write(&traceEvent{
		Name:      ev.Name,
		Phase:     "i",
		Timestamp: micros(ev.Start),
		ProcessID: pid,
		ThreadID:  int64(ev.ThreadID),
		Category:  "event",
		Scope:     "t",
		Args:      args,
	})
}

func (c *Writer) writeOverflow(ev *span.TimelineEvent) error {
	track := cpuTrackBase + ev.CPU
	if err := c.nameTrack(ev.CPU); err != nil {
		return err
	}

	args := map[string]any{"lost_known": ev.LostKnown}
	if ev.LostKnown {
		args["lost"] = ev.Lost
	}
	return c.write(&traceEvent{
		Name:      ev.Name,
		Phase:     "i",
		Timestamp: micros(ev.Start),
		ProcessID: int64(track),
		ThreadID:  int64(track),
		Category:  "overflow",
		Scope:     "g",
		Args:      args,
	})
}

func (c *Writer) writeSchedSlice(ev *span.TimelineEvent) error {
	track := cpuTrackBase + ev.CPU
	if err := c.nameTrack(ev.CPU); err != nil {
		return err
	}

	dur := micros(ev.Duration)
	return c.write(&traceEvent{
		Name:      ev.Name,
		Phase:     "X",
		Timestamp: micros(ev.Start),
		Duration:  &dur,
		ProcessID: int64(track),
		ThreadID:  int64(track),
		Category:  "sched",
		Args:      fieldArgs(ev.Fields),
	})
}

// nameThread emits a thread_name metadata record the first time a thread
// shows up, or when the kernel reports a better name for it.
func (c *Writer) nameThread(pid, tid int64, comm string) error {
	if comm == "" || c.namedThreads[tid] == comm {
		return nil
	}
	c.namedThreads[tid] = comm
	return c.write(&traceEvent{
		Name:      "thread_name",
		Phase:     "M",
		ProcessID: pid,
		ThreadID:  tid,
		Args:      map[string]any{"name": comm},
	})
}

func (c *Writer) nameTrack(cpu int) error {
	if c.namedTracks[cpu] {
		return nil
	}
	c.namedTracks[cpu] = true
	track := int64(cpuTrackBase + cpu)
	return c.write(&traceEvent{
		Name:      "process_name",
		Phase:     "M",
		ProcessID: track,
		ThreadID:  track,
		Args:      map[string]any{"name": fmt.Sprintf("CPU %d", cpu)},
	})
}

func (c *Writer) write(ev *traceEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encoding trace event: %w", err)
	}
	if c.wroteEvent {
		if _, err := io.WriteString(c.w, ","); err != nil {
			return err
		}
	}
	c.wroteEvent = true
	_, err = c.w.Write(data)
	return err
}

func processID(ev *span.TimelineEvent) int64 {
	if ev.TGID >= 0 && ev.TGID != 0 {
		return int64(ev.TGID)
	}
	return int64(ev.ThreadID)
}

func fieldArgs(fields map[string]string) map[string]any {
	args := make(map[string]any, len(fields)+4)
	for k, v := range fields {
		args[k] = v
	}
	return args
}

func micros(ns uint64) float64 {
	return float64(ns) / 1e3
}
