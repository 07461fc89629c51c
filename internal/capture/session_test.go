package capture

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type traceDoc struct {
	TraceEvents []struct {
		Name  string         `json:"name"`
		Phase string         `json:"ph"`
		TS    float64        `json:"ts"`
		Dur   float64        `json:"dur"`
		PID   int64          `json:"pid"`
		TID   int64          `json:"tid"`
		Cat   string         `json:"cat"`
		Args  map[string]any `json:"args"`
	} `json:"traceEvents"`
	DisplayTimeUnit string         `json:"displayTimeUnit"`
	OtherData       map[string]any `json:"otherData"`
}

func runSession(t *testing.T, opts Options, sources ...string) (*traceDoc, *Summary) {
	t.Helper()
	if opts.QueueSize == 0 {
		opts.QueueSize = 16
	}
	rcs := make([]io.ReadCloser, len(sources))
	for i, s := range sources {
		rcs[i] = io.NopCloser(strings.NewReader(s))
	}

	var buf bytes.Buffer
	sum, err := Run(context.Background(), rcs, opts, &buf)
	require.NoError(t, err)

	var doc traceDoc
	require.NoError(t, json.Unmarshal(buf.Bytes(), &doc), "output: %s", buf.String())
	return &doc, sum
}

func (d *traceDoc) byName(name string) map[string]bool {
	out := map[string]bool{}
	for _, ev := range d.TraceEvents {
		if ev.Name == name {
			out[ev.Phase] = true
		}
	}
	return out
}

func TestRun_EndToEnd(t *testing.T) {
	cpu0 := `   app-100  (100) [000]  100.000010: tracing_mark_write: trace_event_clock_sync: parent_ts=1700000000.123456
   app-100  (100) [000]  100.000100: tracing_mark_write: AT|B|1|-|outer
   app-100  (100) [000]  100.000200: tracing_mark_write: AT|B|2|1|inner
   app-100  (100) [000]  100.000250: tracing_mark_write: AT|I|2|-|checkpoint
   app-100  (100) [000]  100.000300: tracing_mark_write: AT|E|2
`
	cpu1 := `   worker-101  (100) [001]  100.000400: tracing_mark_write: AT|E|1
`

	doc, sum := runSession(t, Options{}, cpu0, cpu1)

	assert.Equal(t, "ns", doc.DisplayTimeUnit)
	assert.Equal(t, 2, sum.Sources)
	assert.Zero(t, sum.Unterminated)

	var spans, instants int
	for _, ev := range doc.TraceEvents {
		switch {
		case ev.Phase == "X" && ev.Name == "inner":
			spans++
			assert.InDelta(t, 100000200.0, ev.TS, 0.001)
			assert.InDelta(t, 100.0, ev.Dur, 0.001)
			assert.Equal(t, int64(100), ev.PID)
			assert.Equal(t, "1", ev.Args["parent_span_id"])
		case ev.Phase == "X" && ev.Name == "outer":
			spans++
			assert.InDelta(t, 300.0, ev.Dur, 0.001, "closed from another thread")
			assert.Equal(t, []any{"2"}, ev.Args["children"])
			assert.Equal(t, float64(101), ev.Args["close_tid"])
		case ev.Phase == "i" && ev.Name == "checkpoint":
			instants++
			assert.Equal(t, "2", ev.Args["span_id"])
		}
	}
	assert.Equal(t, 2, spans)
	assert.Equal(t, 1, instants)

	// The wall-clock anchor from the sync marker lands in otherData.
	assert.Equal(t, "1700000000.123456", doc.OtherData["clock_sync_parent_ts"])
	assert.Equal(t, "thread_name", doc.TraceEvents[0].Name, "metadata precedes the first span")
}

func TestRun_ForeignLinesDoNotDisturbSpans(t *testing.T) {
	cpu0 := `   app-100  (100) [000]  100.000100: tracing_mark_write: AT|B|7|-|work
 some garbage the kernel printed
   irq/9-33  (-----) [000]  100.000150: irq_handler_entry: irq=9 name=acpi
   chrome-555  (555) [000]  100.000160: tracing_mark_write: someone elses marker
   app-100  (100) [000]  100.000200: tracing_mark_write: AT|E|7
`

	doc, sum := runSession(t, Options{}, cpu0)

	require.True(t, doc.byName("work")["X"])
	assert.Equal(t, uint64(3), sum.Unrecognized)
	assert.Zero(t, sum.ParseErrors)
	assert.Zero(t, sum.ProtocolViolations)
}

func TestRun_MalformedPayloadCounted(t *testing.T) {
	cpu0 := `   app-100  (100) [000]  100.000100: tracing_mark_write: AT|B|notanumber|-|x
   app-100  (100) [000]  100.000200: tracing_mark_write: AT|B|1|-|ok
   app-100  (100) [000]  100.000300: tracing_mark_write: AT|E|1
`

	doc, sum := runSession(t, Options{}, cpu0)

	assert.True(t, doc.byName("ok")["X"])
	assert.Equal(t, uint64(1), sum.ParseErrors)
	assert.EqualValues(t, 1, doc.OtherData["parse_errors"])
}

func TestRun_FilterDropsSpans(t *testing.T) {
	cpu0 := `   app-100  (100) [000]  100.000100: tracing_mark_write: AT|B|1|-|keep
   app-100  (100) [000]  100.000200: tracing_mark_write: AT|B|2|-|drop
   app-100  (100) [000]  100.000300: tracing_mark_write: AT|E|2
   app-100  (100) [000]  100.000400: tracing_mark_write: AT|E|1
`

	doc, sum := runSession(t, Options{Filter: `name == "keep"`}, cpu0)

	assert.True(t, doc.byName("keep")["X"])
	assert.Empty(t, doc.byName("drop"))
	assert.Equal(t, uint64(1), sum.FilteredSpans)
	assert.EqualValues(t, 1, doc.OtherData["filtered_spans"])
}

func TestRun_BadFilterIsSetupFailure(t *testing.T) {
	rc := io.NopCloser(strings.NewReader(""))
	_, err := Run(context.Background(), []io.ReadCloser{rc}, Options{QueueSize: 4, Filter: "name +"}, &bytes.Buffer{})
	assert.ErrorIs(t, err, ErrSetup)
}

func TestRun_SchedFolding(t *testing.T) {
	cpu0 := `   <idle>-0     (-----) [000]  100.000100: sched_switch: prev_comm=swapper/0 prev_pid=0 prev_prio=120 prev_state=R ==> next_comm=app next_pid=100 next_prio=120
   app-100  (100) [000]  100.000300: sched_switch: prev_comm=app prev_pid=100 prev_prio=120 prev_state=S ==> next_comm=swapper/0 next_pid=0 next_prio=120
`

	doc, _ := runSession(t, Options{Sched: true}, cpu0)

	var slices int
	for _, ev := range doc.TraceEvents {
		if ev.Cat == "sched" {
			slices++
			assert.Equal(t, "app", ev.Name)
			assert.InDelta(t, 200.0, ev.Dur, 0.001)
			assert.GreaterOrEqual(t, ev.PID, int64(1_000_000), "sched slices live on synthetic CPU tracks")
		}
	}
	assert.Equal(t, 1, slices)
	assert.True(t, doc.byName("CPU 0")["M"])
}

func TestRun_OverflowSurfaces(t *testing.T) {
	cpu0 := `   app-100  (100) [000]  100.000100: tracing_mark_write: AT|B|1|-|work
CPU:0 [LOST 42 EVENTS]
   app-100  (100) [000]  100.000200: tracing_mark_write: AT|E|1
`

	doc, sum := runSession(t, Options{}, cpu0)

	assert.Equal(t, uint64(1), sum.Overflows)
	assert.Equal(t, uint64(42), sum.LostEntries)
	assert.True(t, doc.byName("entries lost")["i"])
	assert.EqualValues(t, 42, doc.OtherData["lost_entries"])
}

func TestRun_DurationStopFlushesUnterminated(t *testing.T) {
	pr, pw := io.Pipe()
	go func() {
		_, _ = io.WriteString(pw, "   app-100  (100) [000]  100.000100: tracing_mark_write: AT|B|1|-|hung\n")
		// Keep the pipe open; only the session timeout ends the capture.
	}()

	stopped := false
	var buf bytes.Buffer
	sum, err := Run(context.Background(), []io.ReadCloser{pr}, Options{
		Duration:  50 * time.Millisecond,
		QueueSize: 4,
		OnStop:    func() { stopped = true },
	}, &buf)
	require.NoError(t, err)
	assert.True(t, stopped)
	assert.Equal(t, uint64(1), sum.Unterminated)

	var doc traceDoc
	require.NoError(t, json.Unmarshal(buf.Bytes(), &doc))
	var found bool
	for _, ev := range doc.TraceEvents {
		if ev.Name == "hung" && ev.Phase == "X" {
			found = true
			assert.Equal(t, true, ev.Args["unterminated"])
		}
	}
	assert.True(t, found)
	_ = pw.Close()
}

func TestRun_CancelDrainsBufferedRecords(t *testing.T) {
	// A complete span sits in the reader channels when the stop signal
	// arrives; the second pipe never produces anything and just keeps the
	// merge waiting. Everything already read must still come out the other
	// end as a completed span.
	pr0, pw0 := io.Pipe()
	pr1, pw1 := io.Pipe()
	go func() {
		_, _ = io.WriteString(pw0, "   app-100  (100) [000]  100.000100: tracing_mark_write: AT|B|1|-|x\n")
		_, _ = io.WriteString(pw0, "   app-100  (100) [000]  100.000200: tracing_mark_write: AT|E|1\n")
	}()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	var buf bytes.Buffer
	sum, err := Run(ctx, []io.ReadCloser{pr0, pr1}, Options{QueueSize: 8}, &buf)
	require.NoError(t, err)
	assert.Zero(t, sum.Unterminated)

	var doc traceDoc
	require.NoError(t, json.Unmarshal(buf.Bytes(), &doc))
	var found bool
	for _, ev := range doc.TraceEvents {
		if ev.Name == "x" && ev.Phase == "X" {
			found = true
			assert.InDelta(t, 100.0, ev.Dur, 0.001)
		}
	}
	assert.True(t, found, "records read before the stop must drain through")
	_ = pw0.Close()
	_ = pw1.Close()
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) {
	return 0, errors.New("no space left on device")
}

func TestRun_SinkFailureIsOutputError(t *testing.T) {
	pr, pw := io.Pipe()
	go func() {
		_, _ = io.WriteString(pw, "   app-100  (100) [000]  100.000100: tracing_mark_write: AT|B|1|-|x\n")
	}()

	_, err := Run(context.Background(), []io.ReadCloser{pr}, Options{QueueSize: 4}, failingWriter{})
	assert.ErrorIs(t, err, ErrOutput)
	_ = pw.Close()
}

func TestRun_MergesAcrossSourcesInTimestampOrder(t *testing.T) {
	// Opens arrive on different CPUs out of file order; the merge must put
	// the close after the open it matches.
	cpu0 := `   app-100  (100) [000]  100.000200: tracing_mark_write: AT|E|5
`
	cpu1 := `   app-100  (100) [001]  100.000100: tracing_mark_write: AT|B|5|-|hop
`

	doc, sum := runSession(t, Options{}, cpu0, cpu1)

	assert.True(t, doc.byName("hop")["X"])
	assert.Zero(t, sum.ProtocolViolations)
	assert.Zero(t, sum.TruncatedCloses)
}
