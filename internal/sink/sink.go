// Package sink abstracts where the converted trace bytes go.
//
// A Sink accepts bytes and finalizes on Close; the gzip compressor is a
// decorator over any sink rather than a special case in the converter. The
// file sink writes through a temporary file and renames it into place only
// on a successful close, so a failed or aborted capture never leaves a
// partial file that looks like a complete capture.
package sink

import (
	"fmt"
	"io"
	"os"
)

// Sink accepts converted trace bytes.
type Sink interface {
	io.Writer
	// Close finalizes the output. Only after Close returns nil is the
	// output valid.
	Close() error
	// Abort discards the output, leaving nothing that could be mistaken
	// for a completed capture.
	Abort() error
}

// FileSink writes to path via path.tmp.
type FileSink struct {
	path string
	tmp  string
	f    *os.File
}

// NewFile creates the temporary file immediately so permission problems
// surface at setup time, not after a capture.
func NewFile(path string) (*FileSink, error) {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return nil, fmt.Errorf("creating output file: %w", err)
	}
	return &FileSink{path: path, tmp: tmp, f: f}, nil
}

func (s *FileSink) Write(p []byte) (int, error) {
	return s.f.Write(p)
}

// Close syncs and renames the temporary file into place.
func (s *FileSink) Close() error {
	if err := s.f.Sync(); err != nil {
		_ = s.f.Close()
		return fmt.Errorf("syncing output: %w", err)
	}
	if err := s.f.Close(); err != nil {
		return fmt.Errorf("closing output: %w", err)
	}
	if err := os.Rename(s.tmp, s.path); err != nil {
		return fmt.Errorf("finalizing output: %w", err)
	}
	return nil
}

// Abort removes the temporary file.
func (s *FileSink) Abort() error {
	_ = s.f.Close()
	if err := os.Remove(s.tmp); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// WriterSink adapts a plain io.Writer (stdout, test buffers). Close and
// Abort are no-ops beyond an optional flush by the caller.
type WriterSink struct {
	w io.Writer
}

// NewWriter wraps w as a Sink.
func NewWriter(w io.Writer) *WriterSink {
	return &WriterSink{w: w}
}

func (s *WriterSink) Write(p []byte) (int, error) { return s.w.Write(p) }

func (s *WriterSink) Close() error { return nil }

func (s *WriterSink) Abort() error { return nil }
