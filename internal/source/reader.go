package source

import (
	"bufio"
	"context"
	"errors"
	"io"
	"io/fs"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"atrace/internal/wire"
)

// Lines from trace_pipe are short, but a marker payload with large field
// values can approach the kernel's marker write limit.
const maxLineBytes = 64 * 1024

// Reader drains a single trace source.
type Reader struct {
	index int
	rc    io.ReadCloser
	out   chan *wire.Record

	sequence     uint64
	lastTS       uint64
	parseErrors  atomic.Uint64
	unrecognized atomic.Uint64
}

// New creates a reader for source index over rc. queueSize bounds the output
// channel; when the downstream pipeline stalls the reader stops consuming
// from the kernel rather than dropping anything it already read.
func New(index int, rc io.ReadCloser, queueSize int) *Reader {
	return &Reader{
		index: index,
		rc:    rc,
		out:   make(chan *wire.Record, queueSize),
	}
}

// Records is the ordered stream of decoded records from this source. It is
// closed when the source is exhausted or the reader is stopped.
func (r *Reader) Records() <-chan *wire.Record {
	return r.out
}

// ParseErrors reports malformed marker payloads skipped so far.
func (r *Reader) ParseErrors() uint64 { return r.parseErrors.Load() }

// Unrecognized reports foreign lines skipped so far.
func (r *Reader) Unrecognized() uint64 { return r.unrecognized.Load() }

// Close unblocks a pending read by closing the underlying stream.
func (r *Reader) Close() error {
	return r.rc.Close()
}

// Run reads until EOF, stream close, or context cancellation, then closes
// the record channel. Decode failures never abort the loop.
func (r *Reader) Run(ctx context.Context) error {
	defer close(r.out)

	scanner := bufio.NewScanner(r.rc)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	for scanner.Scan() {
		rec, err := wire.Decode(scanner.Text())
		if err != nil {
			r.parseErrors.Add(1)
			logrus.WithFields(logrus.Fields{
				"source": r.index,
				"error":  err,
			}).Debug("skipping malformed record")
			continue
		}
		if rec.Kind == wire.Unrecognized {
			r.unrecognized.Add(1)
			continue
		}

		r.sequence++
		rec.Source = r.index
		rec.Sequence = r.sequence
		if rec.Kind == wire.Overflow {
			// Loss reports carry no timestamp of their own; pin the
			// discontinuity to where it was observed in this stream.
			rec.Timestamp = r.lastTS
			rec.CPU = r.index
		} else {
			r.lastTS = rec.Timestamp
		}

		select {
		case r.out <- rec:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	err := scanner.Err()
	if err == nil || errors.Is(err, fs.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return nil
	}
	if ctx.Err() != nil {
		return nil
	}
	return err
}
