package filter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"atrace/internal/span"
)

type sink struct {
	events []*span.TimelineEvent
}

func (s *sink) HandleTimelineEvent(ev *span.TimelineEvent) error {
	s.events = append(s.events, ev)
	return nil
}

func TestFilter_DropsNonMatchingSpans(t *testing.T) {
	out := &sink{}
	f, err := New(`duration_ns > 100`, out)
	require.NoError(t, err)

	require.NoError(t, f.HandleTimelineEvent(&span.TimelineEvent{Kind: span.KindSpan, Name: "slow", Duration: 500}))
	require.NoError(t, f.HandleTimelineEvent(&span.TimelineEvent{Kind: span.KindSpan, Name: "fast", Duration: 50}))

	require.Len(t, out.events, 1)
	assert.Equal(t, "slow", out.events[0].Name)
	assert.Equal(t, uint64(1), f.Dropped())
}

func TestFilter_NameAndFields(t *testing.T) {
	out := &sink{}
	f, err := New(`name startsWith "db." && fields["table"] == "users"`, out)
	require.NoError(t, err)

	keep := &span.TimelineEvent{Kind: span.KindSpan, Name: "db.query", Fields: map[string]string{"table": "users"}}
	drop := &span.TimelineEvent{Kind: span.KindSpan, Name: "db.query", Fields: map[string]string{"table": "orders"}}
	noFields := &span.TimelineEvent{Kind: span.KindSpan, Name: "db.query"}

	require.NoError(t, f.HandleTimelineEvent(keep))
	require.NoError(t, f.HandleTimelineEvent(drop))
	require.NoError(t, f.HandleTimelineEvent(noFields))

	require.Len(t, out.events, 1)
	assert.Same(t, keep, out.events[0])
}

func TestFilter_NonSpansPassThrough(t *testing.T) {
	out := &sink{}
	f, err := New(`false`, out)
	require.NoError(t, err)

	require.NoError(t, f.HandleTimelineEvent(&span.TimelineEvent{Kind: span.KindInstant, Name: "i"}))
	require.NoError(t, f.HandleTimelineEvent(&span.TimelineEvent{Kind: span.KindOverflow}))
	require.NoError(t, f.HandleTimelineEvent(&span.TimelineEvent{Kind: span.KindSchedSlice}))
	require.NoError(t, f.HandleTimelineEvent(&span.TimelineEvent{Kind: span.KindSpan, Name: "s"}))

	assert.Len(t, out.events, 3, "only the span was subject to filtering")
}

func TestFilter_CompileErrorIsFatal(t *testing.T) {
	_, err := New(`name +`, &sink{})
	assert.Error(t, err)

	// Non-boolean expressions are rejected at compile time too.
	_, err = New(`name`, &sink{})
	assert.Error(t, err)
}

func TestFilter_UnterminatedVisible(t *testing.T) {
	out := &sink{}
	f, err := New(`!unterminated`, out)
	require.NoError(t, err)

	require.NoError(t, f.HandleTimelineEvent(&span.TimelineEvent{Kind: span.KindSpan, Name: "done"}))
	require.NoError(t, f.HandleTimelineEvent(&span.TimelineEvent{Kind: span.KindSpan, Name: "hung", Unterminated: true}))

	require.Len(t, out.events, 1)
	assert.Equal(t, "done", out.events[0].Name)
}
