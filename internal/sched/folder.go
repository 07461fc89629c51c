// Package sched folds raw scheduling-switch records into per-CPU "what was
// running" slices, rendered as auxiliary timeline tracks alongside the span
// tracks. No causal link to spans is computed; the correlation a viewer gets
// is purely temporal.
package sched

import (
	"sort"
	"strconv"

	"atrace/internal/span"
)

type running struct {
	since uint64
	pid   int32
	comm  string
	prio  string
}

// Folder is a span.Handler decorator. SchedSwitch entries are consumed and
// folded; everything else passes through unchanged.
type Folder struct {
	next span.Handler
	cpus map[int]*running
}

// NewFolder wraps next with sched-switch folding.
func NewFolder(next span.Handler) *Folder {
	return &Folder{next: next, cpus: make(map[int]*running)}
}

// HandleTimelineEvent implements span.Handler.
func (f *Folder) HandleTimelineEvent(ev *span.TimelineEvent) error {
	if ev.Kind != span.KindSchedSwitch {
		return f.next.HandleTimelineEvent(ev)
	}

	cur := f.cpus[ev.CPU]
	if cur != nil {
		if err := f.emit(ev.CPU, cur, ev.Start); err != nil {
			return err
		}
	}

	pid, err := strconv.ParseInt(ev.Fields["next_pid"], 10, 32)
	if err != nil {
		pid = -1
	}
	f.cpus[ev.CPU] = &running{
		since: ev.Start,
		pid:   int32(pid),
		comm:  ev.Fields["next_comm"],
		prio:  ev.Fields["next_prio"],
	}
	return nil
}

// Flush closes the trailing slice on every CPU at the session end boundary,
// in CPU order so a replayed capture produces identical output.
func (f *Folder) Flush(endTS uint64) error {
	cpus := make([]int, 0, len(f.cpus))
	for cpu := range f.cpus {
		cpus = append(cpus, cpu)
	}
	sort.Ints(cpus)

	for _, cpu := range cpus {
		cur := f.cpus[cpu]
		if cur == nil {
			continue
		}
		if err := f.emit(cpu, cur, endTS); err != nil {
			return err
		}
		f.cpus[cpu] = nil
	}
	return nil
}

func (f *Folder) emit(cpu int, cur *running, until uint64) error {
	// The idle task produces no slice; gaps read as idle time.
	if cur.pid == 0 {
		return nil
	}
	dur := uint64(0)
	if until > cur.since {
		dur = until - cur.since
	}
	return f.next.HandleTimelineEvent(&span.TimelineEvent{
		Kind:     span.KindSchedSlice,
		Name:     cur.comm,
		Start:    cur.since,
		Duration: dur,
		ThreadID: cur.pid,
		Comm:     cur.comm,
		CPU:      cpu,
		Fields: map[string]string{
			"pid":  strconv.FormatInt(int64(cur.pid), 10),
			"prio": cur.prio,
		},
	})
}
