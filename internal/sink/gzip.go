package sink

import (
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
)

// GzipSink transparently compresses everything written to the wrapped sink.
type GzipSink struct {
	inner Sink
	gz    *gzip.Writer
}

// NewGzip wraps inner with streaming gzip compression.
func NewGzip(inner Sink) *GzipSink {
	return &GzipSink{inner: inner, gz: gzip.NewWriter(inner)}
}

func (s *GzipSink) Write(p []byte) (int, error) {
	return s.gz.Write(p)
}

// Close flushes the compressor, writes the gzip trailer, then finalizes the
// wrapped sink. A missing trailer is a defined failure, so the trailer write
// error is never swallowed.
func (s *GzipSink) Close() error {
	if err := s.gz.Close(); err != nil {
		_ = s.inner.Abort()
		return fmt.Errorf("finalizing compressed stream: %w", err)
	}
	return s.inner.Close()
}

// Abort discards the compressed output.
func (s *GzipSink) Abort() error {
	_ = s.gz.Close()
	return s.inner.Abort()
}

// Decompress is the standalone inverse path: a synchronous single-pass
// inflate of a previously captured file. A stream without a valid trailer
// fails; it is not accepted as valid output.
func Decompress(dst io.Writer, src io.Reader) error {
	gr, err := gzip.NewReader(src)
	if err != nil {
		return fmt.Errorf("reading gzip header: %w", err)
	}
	if _, err := io.Copy(dst, gr); err != nil {
		_ = gr.Close()
		return fmt.Errorf("decompressing: %w", err)
	}
	if err := gr.Close(); err != nil {
		return fmt.Errorf("verifying gzip trailer: %w", err)
	}
	return nil
}
