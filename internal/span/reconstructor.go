package span

import (
	"sort"

	"github.com/sirupsen/logrus"

	"atrace/internal/wire"
)

// OpenSpan is the state held for a span between its open and close records.
type OpenSpan struct {
	ID       uint64
	ParentID uint64
	Name     string
	OpenTS   uint64
	ThreadID int32
	TGID     int32
	Comm     string
	CPU      int
	Fields   map[string]string
	Children []uint64
}

// Reconstructor drives the per-span state machine over the merged sequence.
type Reconstructor struct {
	handler Handler

	open         map[uint64]*OpenSpan
	threadStacks map[int32][]uint64

	sawOpen  bool
	lastTS   uint64
	counters Counters

	clockSyncParent string
}

// NewReconstructor creates a reconstructor emitting to handler.
func NewReconstructor(handler Handler) *Reconstructor {
	return &Reconstructor{
		handler:      handler,
		open:         make(map[uint64]*OpenSpan),
		threadStacks: make(map[int32][]uint64),
	}
}

// Counters returns the anomaly counters accumulated so far.
func (r *Reconstructor) Counters() Counters { return r.counters }

// ClockSyncParent returns the wall-clock anchor from the session's clock-sync
// marker, empty if none was seen.
func (r *Reconstructor) ClockSyncParent() string { return r.clockSyncParent }

// LastTimestamp returns the trace-clock timestamp of the last consumed record.
func (r *Reconstructor) LastTimestamp() uint64 { return r.lastTS }

// HandleRecord consumes one merged record. All protocol anomalies are
// absorbed here: they update counters and logs but never return an error.
// Errors only propagate from the downstream handler.
func (r *Reconstructor) HandleRecord(rec *wire.Record) error {
	if rec.Timestamp > r.lastTS {
		r.lastTS = rec.Timestamp
	}

	switch rec.Kind {
	case wire.SpanOpen:
		return r.handleOpen(rec)
	case wire.SpanClose:
		return r.handleClose(rec)
	case wire.Event:
		return r.handleEvent(rec)
	case wire.Overflow:
		return r.handleOverflow(rec)
	case wire.SchedSwitch:
		return r.handler.HandleTimelineEvent(&TimelineEvent{
			Kind:     KindSchedSwitch,
			Name:     rec.Name,
			Start:    rec.Timestamp,
			ThreadID: rec.ThreadID,
			TGID:     rec.TGID,
			Comm:     rec.Comm,
			CPU:      rec.CPU,
			Fields:   rec.Fields,
		})
	case wire.ClockSync:
		if ts := rec.Fields["parent_ts"]; ts != "" {
			r.clockSyncParent = ts
		}
		return nil
	default:
		return nil
	}
}

func (r *Reconstructor) handleOpen(rec *wire.Record) error {
	r.sawOpen = true

	if existing, ok := r.open[rec.SpanID]; ok {
		// A span id is opened at most once per session; keep the original.
		r.counters.ProtocolViolations++
		logrus.WithFields(logrus.Fields{
			"span":     rec.SpanID,
			"name":     rec.Name,
			"original": existing.Name,
		}).Warn("duplicate span open rejected")
		return nil
	}

	os := &OpenSpan{
		ID:       rec.SpanID,
		ParentID: rec.ParentID,
		Name:     rec.Name,
		OpenTS:   rec.Timestamp,
		ThreadID: rec.ThreadID,
		TGID:     rec.TGID,
		Comm:     rec.Comm,
		CPU:      rec.CPU,
		Fields:   rec.Fields,
	}
	r.open[rec.SpanID] = os
	r.threadStacks[rec.ThreadID] = append(r.threadStacks[rec.ThreadID], rec.SpanID)

	if parent, ok := r.open[rec.ParentID]; ok {
		parent.Children = append(parent.Children, rec.SpanID)
	}
	return nil
}

func (r *Reconstructor) handleClose(rec *wire.Record) error {
	os, ok := r.open[rec.SpanID]
	if !ok {
		if !r.sawOpen {
			// Session started mid-stream; closes for spans opened before
			// capture began are expected front truncation.
			r.counters.TruncatedCloses++
			return nil
		}
		r.counters.ProtocolViolations++
		logrus.WithField("span", rec.SpanID).Warn("span close without matching open")
		return nil
	}

	delete(r.open, rec.SpanID)
	r.removeFromStack(os.ThreadID, rec.SpanID)

	ev := &TimelineEvent{
		Kind:          KindSpan,
		Name:          os.Name,
		Start:         os.OpenTS,
		ThreadID:      os.ThreadID,
		TGID:          os.TGID,
		Comm:          os.Comm,
		CPU:           os.CPU,
		SpanID:        os.ID,
		ParentID:      os.ParentID,
		Children:      os.Children,
		Fields:        os.Fields,
		CloseThreadID: rec.ThreadID,
	}
	if rec.Timestamp < os.OpenTS {
		r.counters.NegativeDurations++
		ev.NegativeDuration = true
		logrus.WithFields(logrus.Fields{
			"span":  os.ID,
			"open":  os.OpenTS,
			"close": rec.Timestamp,
		}).Warn("span closed before it opened; duration reported as zero")
	} else {
		ev.Duration = rec.Timestamp - os.OpenTS
	}
	return r.handler.HandleTimelineEvent(ev)
}

func (r *Reconstructor) handleEvent(rec *wire.Record) error {
	spanID := rec.SpanID
	if spanID == 0 {
		// No explicit reference: innermost span open on the same thread.
		if stack := r.threadStacks[rec.ThreadID]; len(stack) > 0 {
			spanID = stack[len(stack)-1]
		}
	}

	return r.handler.HandleTimelineEvent(&TimelineEvent{
		Kind:     KindInstant,
		Name:     rec.Name,
		Start:    rec.Timestamp,
		ThreadID: rec.ThreadID,
		TGID:     rec.TGID,
		Comm:     rec.Comm,
		CPU:      rec.CPU,
		SpanID:   spanID,
		Fields:   rec.Fields,
	})
}

func (r *Reconstructor) handleOverflow(rec *wire.Record) error {
	r.counters.Overflows++
	if rec.LostKnown {
		r.counters.LostEntries += rec.Lost
	}
	logrus.WithFields(logrus.Fields{
		"source": rec.Source,
		"lost":   rec.Lost,
		"known":  rec.LostKnown,
	}).Warn("kernel ring buffer dropped entries")

	return r.handler.HandleTimelineEvent(&TimelineEvent{
		Kind:      KindOverflow,
		Name:      "entries lost",
		Start:     rec.Timestamp,
		CPU:       rec.CPU,
		Lost:      rec.Lost,
		LostKnown: rec.LostKnown,
	})
}

// Finalize flushes every span still open as unterminated, using the last
// consumed timestamp as the session end boundary. Spans are flushed in a
// deterministic order (open time, then id).
func (r *Reconstructor) Finalize() error {
	remaining := make([]*OpenSpan, 0, len(r.open))
	for _, os := range r.open {
		remaining = append(remaining, os)
	}
	sort.Slice(remaining, func(i, j int) bool {
		if remaining[i].OpenTS != remaining[j].OpenTS {
			return remaining[i].OpenTS < remaining[j].OpenTS
		}
		return remaining[i].ID < remaining[j].ID
	})

	for _, os := range remaining {
		r.counters.Unterminated++
		ev := &TimelineEvent{
			Kind:         KindSpan,
			Name:         os.Name,
			Start:        os.OpenTS,
			ThreadID:     os.ThreadID,
			TGID:         os.TGID,
			Comm:         os.Comm,
			CPU:          os.CPU,
			SpanID:       os.ID,
			ParentID:     os.ParentID,
			Children:     os.Children,
			Fields:       os.Fields,
			Unterminated: true,
		}
		if r.lastTS > os.OpenTS {
			ev.Duration = r.lastTS - os.OpenTS
		}
		if err := r.handler.HandleTimelineEvent(ev); err != nil {
			return err
		}
		delete(r.open, os.ID)
	}
	r.threadStacks = make(map[int32][]uint64)
	return nil
}

func (r *Reconstructor) removeFromStack(tid int32, spanID uint64) {
	stack := r.threadStacks[tid]
	for i := len(stack) - 1; i >= 0; i-- {
		if stack[i] == spanID {
			r.threadStacks[tid] = append(stack[:i], stack[i+1:]...)
			return
		}
	}
}
