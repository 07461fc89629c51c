package convert

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"atrace/internal/span"
)

type doc struct {
	TraceEvents     []map[string]any `json:"traceEvents"`
	DisplayTimeUnit string           `json:"displayTimeUnit"`
	OtherData       map[string]any   `json:"otherData"`
}

func render(t *testing.T, other map[string]any, events ...*span.TimelineEvent) *doc {
	t.Helper()
	var buf bytes.Buffer
	c := NewWriter(&buf)
	require.NoError(t, c.Begin())
	for _, ev := range events {
		require.NoError(t, c.HandleTimelineEvent(ev))
	}
	require.NoError(t, c.End(other))

	var d doc
	require.NoError(t, json.Unmarshal(buf.Bytes(), &d), "output is not valid JSON: %s", buf.String())
	return &d
}

func onlyCategory(d *doc, cat string) []map[string]any {
	var out []map[string]any
	for _, ev := range d.TraceEvents {
		if ev["cat"] == cat {
			out = append(out, ev)
		}
	}
	return out
}

func TestWriter_EmptyDocumentIsValid(t *testing.T) {
	d := render(t, map[string]any{"tool": "atrace"})
	assert.Empty(t, d.TraceEvents)
	assert.Equal(t, "ns", d.DisplayTimeUnit)
	assert.Equal(t, "atrace", d.OtherData["tool"])
}

func TestWriter_CompletedSpan(t *testing.T) {
	d := render(t, nil, &span.TimelineEvent{
		Kind:     span.KindSpan,
		Name:     "db.query",
		Start:    1_500,     // ns
		Duration: 2_250_000, // ns
		ThreadID: 42,
		TGID:     40,
		Comm:     "myapp",
		SpanID:   7,
		ParentID: 3,
		Children: []uint64{9},
		Fields:   map[string]string{"rows": "12"},
	})

	spans := onlyCategory(d, "span")
	require.Len(t, spans, 1)
	ev := spans[0]
	assert.Equal(t, "db.query", ev["name"])
	assert.Equal(t, "X", ev["ph"])
	assert.Equal(t, 1.5, ev["ts"], "nanoseconds survive as fractional microseconds")
	assert.Equal(t, 2250.0, ev["dur"])
	assert.Equal(t, float64(40), ev["pid"])
	assert.Equal(t, float64(42), ev["tid"])

	args := ev["args"].(map[string]any)
	assert.Equal(t, "7", args["span_id"])
	assert.Equal(t, "3", args["parent_span_id"])
	assert.Equal(t, "12", args["rows"])
	assert.Equal(t, []any{"9"}, args["children"])

	// First appearance of the thread also named it.
	var meta []map[string]any
	for _, e := range d.TraceEvents {
		if e["ph"] == "M" {
			meta = append(meta, e)
		}
	}
	require.Len(t, meta, 1)
	assert.Equal(t, "thread_name", meta[0]["name"])
	assert.Equal(t, "myapp", meta[0]["args"].(map[string]any)["name"])
}

func TestWriter_UnterminatedFlagPropagates(t *testing.T) {
	d := render(t, nil, &span.TimelineEvent{
		Kind: span.KindSpan, Name: "open", SpanID: 1, ThreadID: 1,
		TGID: -1, Unterminated: true,
	})
	spans := onlyCategory(d, "span")
	require.Len(t, spans, 1)
	assert.Equal(t, true, spans[0]["args"].(map[string]any)["unterminated"])
}

func TestWriter_InstantEvent(t *testing.T) {
	d := render(t, nil, &span.TimelineEvent{
		Kind: span.KindInstant, Name: "cache miss", Start: 3_000,
		ThreadID: 5, TGID: -1, SpanID: 2,
	})
	events := onlyCategory(d, "event")
	require.Len(t, events, 1)
	assert.Equal(t, "i", events[0]["ph"])
	assert.Equal(t, "t", events[0]["s"])
	assert.Equal(t, "2", events[0]["args"].(map[string]any)["span_id"])
	assert.Equal(t, float64(5), events[0]["pid"], "thread id stands in when tgid is unknown")
}

func TestWriter_OverflowOnCPUTrack(t *testing.T) {
	d := render(t, nil, &span.TimelineEvent{
		Kind: span.KindOverflow, Name: "entries lost", Start: 1000,
		CPU: 2, Lost: 37, LostKnown: true,
	})
	ovf := onlyCategory(d, "overflow")
	require.Len(t, ovf, 1)
	assert.Equal(t, float64(cpuTrackBase+2), ovf[0]["pid"])
	assert.Equal(t, float64(37), ovf[0]["args"].(map[string]any)["lost"])

	// The CPU track got a process_name.
	found := false
	for _, e := range d.TraceEvents {
		if e["ph"] == "M" && e["name"] == "process_name" {
			assert.Equal(t, "CPU 2", e["args"].(map[string]any)["name"])
			found = true
		}
	}
	assert.True(t, found)
}

func TestWriter_SchedSlice(t *testing.T) {
	d := render(t, nil, &span.TimelineEvent{
		Kind: span.KindSchedSlice, Name: "myapp", Start: 100, Duration: 200,
		CPU: 1, ThreadID: 42, Comm: "myapp",
		Fields: map[string]string{"pid": "42", "prio": "120"},
	})
	slices := onlyCategory(d, "sched")
	require.Len(t, slices, 1)
	assert.Equal(t, "X", slices[0]["ph"])
	assert.Equal(t, float64(cpuTrackBase+1), slices[0]["pid"])
}

func TestWriter_OrderPreserved(t *testing.T) {
	d := render(t, nil,
		&span.TimelineEvent{Kind: span.KindSpan, Name: "first", SpanID: 1, ThreadID: 1, TGID: -1, Start: 10},
		&span.TimelineEvent{Kind: span.KindSpan, Name: "second", SpanID: 2, ThreadID: 1, TGID: -1, Start: 5},
	)
	spans := onlyCategory(d, "span")
	require.Len(t, spans, 2)
	assert.Equal(t, "first", spans[0]["name"])
	assert.Equal(t, "second", spans[1]["name"], "input order equals output order even when timestamps differ")
}

func TestWriter_RawSchedSwitchIgnored(t *testing.T) {
	d := render(t, nil, &span.TimelineEvent{Kind: span.KindSchedSwitch, Name: "sched_switch"})
	assert.Empty(t, d.TraceEvents)
}
