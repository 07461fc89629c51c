package emitter

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"atrace/internal/wire"
)

// Writer emits wire records to a marker endpoint. Each record is written in
// a single write call: trace_marker treats one write as one trace entry, and
// interleaved partial writes from concurrent spans would corrupt the stream.
type Writer struct {
	mu sync.Mutex
	w  io.Writer

	nextID atomic.Uint64
}

// NewWriter wraps an open marker endpoint (or any writer in tests).
func NewWriter(w io.Writer) *Writer {
	ew := &Writer{w: w}

	// Seed the span id allocator randomly so ids never repeat across
	// processes sharing one capture session.
	var seed [8]byte
	if _, err := rand.Read(seed[:]); err == nil {
		ew.nextID.Store(binary.BigEndian.Uint64(seed[:]) | 1)
	} else {
		ew.nextID.Store(1)
	}
	return ew
}

// OpenSpan allocates a span id and emits the open record. parent may be 0
// for a root span.
func (e *Writer) OpenSpan(parent uint64, name string, fields map[string]string) (uint64, error) {
	id := e.allocID()
	if err := e.OpenSpanID(id, parent, name, fields); err != nil {
		return 0, err
	}
	return id, nil
}

// OpenSpanID emits an open record for an externally assigned span id.
func (e *Writer) OpenSpanID(id, parent uint64, name string, fields map[string]string) error {
	return e.emit(&wire.Record{
		Kind:     wire.SpanOpen,
		SpanID:   id,
		ParentID: parent,
		Name:     name,
		Fields:   fields,
	})
}

// CloseSpan emits the close record for id. It may be called from any
// goroutine or thread; pairing happens by id on the capture side.
func (e *Writer) CloseSpan(id uint64) error {
	return e.emit(&wire.Record{Kind: wire.SpanClose, SpanID: id})
}

// Event emits a point event. A zero spanID leaves attachment to the capture
// engine, which binds it to the innermost span open on the writing thread;
// passing the id explicitly keeps attribution correct after the task has
// migrated off that thread.
func (e *Writer) Event(spanID uint64, name string, fields map[string]string) error {
	return e.emit(&wire.Record{
		Kind:   wire.Event,
		SpanID: spanID,
		Name:   name,
		Fields: fields,
	})
}

func (e *Writer) emit(rec *wire.Record) error {
	payload, err := wire.Encode(rec)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := io.WriteString(e.w, payload+"\n"); err != nil {
		return fmt.Errorf("writing trace marker: %w", err)
	}
	return nil
}

func (e *Writer) allocID() uint64 {
	for {
		id := e.nextID.Add(1)
		if id != 0 {
			return id
		}
	}
}
