// Package merge combines the per-source record streams into one globally
// time-ordered sequence.
//
// The merge is a k-way heap merge keyed by (timestamp, source, sequence);
// the source and sequence components only break exact timestamp ties, so a
// replay of the same capture always produces the same order. After the head
// of a source is consumed the next element is pulled from that source alone.
// Other sources are not starved by a blocking pull: their readers keep
// draining the kernel into their bounded channels in parallel.
package merge

import (
	"container/heap"
	"context"

	"github.com/sirupsen/logrus"

	"atrace/internal/wire"
)

// Merger performs the k-way merge.
type Merger struct {
	inputs []<-chan *wire.Record
	out    chan *wire.Record

	maxTS     uint64
	clockSkew uint64
}

// New creates a merger over the given source channels. queueSize bounds the
// merged output; a slow sink therefore backpressures all the way to the
// kernel reads.
func New(inputs []<-chan *wire.Record, queueSize int) *Merger {
	return &Merger{
		inputs: inputs,
		out:    make(chan *wire.Record, queueSize),
	}
}

// Records is the merged, non-decreasing-in-timestamp output. Closed when all
// sources are exhausted.
func (m *Merger) Records() <-chan *wire.Record {
	return m.out
}

// ClockSkew reports how many records had a regressing timestamp clamped.
// Only meaningful after Run returns.
func (m *Merger) ClockSkew() uint64 { return m.clockSkew }

// Run merges until every input is closed, then closes the output.
func (m *Merger) Run(ctx context.Context) error {
	defer close(m.out)

	h := &recordHeap{}
	for i, in := range m.inputs {
		rec, ok, err := m.pull(ctx, in)
		if err != nil {
			return err
		}
		if ok {
			heap.Push(h, headItem{rec: rec, input: i})
		}
	}

	for h.Len() > 0 {
		item := heap.Pop(h).(headItem)
		m.clamp(item.rec)

		select {
		case m.out <- item.rec:
		case <-ctx.Done():
			return ctx.Err()
		}

		rec, ok, err := m.pull(ctx, m.inputs[item.input])
		if err != nil {
			return err
		}
		if ok {
			heap.Push(h, headItem{rec: rec, input: item.input})
		}
	}
	return nil
}

func (m *Merger) pull(ctx context.Context, in <-chan *wire.Record) (*wire.Record, bool, error) {
	select {
	case rec, ok := <-in:
		return rec, ok, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

// clamp enforces the global ordering guarantee. A source whose clock is seen
// regressing has the record's effective position pinned to the running
// maximum; the original timestamp is not trusted any further. Overflow
// records are pinned silently since their timestamps are synthesized.
func (m *Merger) clamp(rec *wire.Record) {
	if rec.Timestamp < m.maxTS {
		if rec.Kind != wire.Overflow {
			m.clockSkew++
			logrus.WithFields(logrus.Fields{
				"source":    rec.Source,
				"timestamp": rec.Timestamp,
				"clamped":   m.maxTS,
			}).Warn("trace clock regressed; record order clamped")
		}
		rec.Timestamp = m.maxTS
		return
	}
	m.maxTS = rec.Timestamp
}

type headItem struct {
	rec   *wire.Record
	input int
}

type recordHeap []headItem

func (h recordHeap) Len() int { return len(h) }

func (h recordHeap) Less(i, j int) bool {
	a, b := h[i].rec, h[j].rec
	if a.Timestamp != b.Timestamp {
		return a.Timestamp < b.Timestamp
	}
	if a.Source != b.Source {
		return a.Source < b.Source
	}
	return a.Sequence < b.Sequence
}

func (h recordHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *recordHeap) Push(x any) { *h = append(*h, x.(headItem)) }

func (h *recordHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
