package emitter

import (
	"context"
	"encoding/binary"

	"github.com/sirupsen/logrus"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// SpanProcessor bridges OpenTelemetry span lifecycle callbacks onto the
// marker writer. Register it on a TracerProvider and every otel span in the
// process shows up in the kernel trace.
//
// Only span boundaries are forwarded; otel events recorded on a span are
// not, since the SDK only surfaces them at end time and the kernel stamps
// records when they are written. Use Writer.Event with the span id for
// point events that need accurate timestamps.
type SpanProcessor struct {
	w *Writer
}

var _ sdktrace.SpanProcessor = (*SpanProcessor)(nil)

// NewSpanProcessor creates a processor emitting through w.
func NewSpanProcessor(w *Writer) *SpanProcessor {
	return &SpanProcessor{w: w}
}

// OnStart emits the span open record, carrying the otel span id, parent
// linkage and the attributes present at start time.
func (p *SpanProcessor) OnStart(parent context.Context, s sdktrace.ReadWriteSpan) {
	id := spanID(s.SpanContext().SpanID())
	if id == 0 {
		return
	}
	var parentID uint64
	if psc := s.Parent(); psc.HasSpanID() {
		parentID = spanID(psc.SpanID())
	}

	var fields map[string]string
	if attrs := s.Attributes(); len(attrs) > 0 {
		fields = make(map[string]string, len(attrs))
		for _, kv := range attrs {
			fields[string(kv.Key)] = kv.Value.Emit()
		}
	}

	if err := p.w.OpenSpanID(id, parentID, s.Name(), fields); err != nil {
		logrus.WithError(err).Debug("span open marker write failed")
	}
}

// OnEnd emits the span close record.
func (p *SpanProcessor) OnEnd(s sdktrace.ReadOnlySpan) {
	id := spanID(s.SpanContext().SpanID())
	if id == 0 {
		return
	}
	if err := p.w.CloseSpan(id); err != nil {
		logrus.WithError(err).Debug("span close marker write failed")
	}
}

// Shutdown implements sdktrace.SpanProcessor; the marker endpoint is owned
// by the caller.
func (p *SpanProcessor) Shutdown(context.Context) error { return nil }

// ForceFlush implements sdktrace.SpanProcessor. Writes are unbuffered.
func (p *SpanProcessor) ForceFlush(context.Context) error { return nil }

func spanID(sid trace.SpanID) uint64 {
	return binary.BigEndian.Uint64(sid[:])
}
