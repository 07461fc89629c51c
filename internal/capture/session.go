package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"atrace/internal/config"
	"atrace/internal/convert"
	"atrace/internal/filter"
	"atrace/internal/merge"
	"atrace/internal/sched"
	"atrace/internal/sink"
	"atrace/internal/source"
	"atrace/internal/span"
	"atrace/internal/tracefs"
	"atrace/internal/wire"
)

// Error classes, used by the command layer to pick an exit code.
var (
	// ErrSetup covers everything that fails before any trace data flows:
	// tracefs detection, kernel knob configuration, filter compilation.
	ErrSetup = errors.New("capture setup failed")
	// ErrOutput covers failures writing or finalizing the output.
	ErrOutput = errors.New("writing output failed")
)

// How long readers get to drain buffered kernel data after tracing stops.
// The pipes never return EOF on their own; closing them is what ends the
// session, and anything still in flight at that point stays in the kernel.
const drainGrace = time.Second

// Options configures a pipeline run over already-open sources.
type Options struct {
	// Duration stops the capture after this long. Zero means run until the
	// context is done.
	Duration time.Duration
	// QueueSize bounds each reader channel and the merged stream.
	QueueSize int
	// Sched folds sched_switch records into per-CPU tracks.
	Sched bool
	// Filter is an optional span filter expression.
	Filter string
	// OnStop runs once when the capture window closes, before the sources
	// are closed. The live capture uses it to gate tracing off and give the
	// readers a drain window.
	OnStop func()
}

// Summary reports what a session saw.
type Summary struct {
	Sources       int
	ClockSkew     uint64
	ParseErrors   uint64
	Unrecognized  uint64
	FilteredSpans uint64
	ClockSync     string
	span.Counters
}

// Run drives the pipeline: sources are read concurrently, merged into one
// ordered stream, reconstructed into timeline entries and streamed as JSON
// into out. It returns once every source is exhausted or closed and the
// document is complete (End on the converter); closing out is the caller's
// job.
func Run(ctx context.Context, sources []io.ReadCloser, opts Options, out io.Writer) (*Summary, error) {
	conv := convert.NewWriter(out)

	var handler span.Handler = conv
	var filt *filter.Filter
	if opts.Filter != "" {
		var err error
		if filt, err = filter.New(opts.Filter, handler); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrSetup, err)
		}
		handler = filt
	}
	var folder *sched.Folder
	if opts.Sched {
		folder = sched.NewFolder(handler)
		handler = folder
	}
	recon := span.NewReconstructor(handler)

	readers := make([]*source.Reader, len(sources))
	inputs := make([]<-chan *wire.Record, len(sources))
	for i, rc := range sources {
		readers[i] = source.New(i, rc, opts.QueueSize)
		inputs[i] = readers[i].Records()
	}
	merger := merge.New(inputs, opts.QueueSize)

	// The pipeline goroutines deliberately do not run under the caller's
	// context. A cancelled capture still owes the output every record it
	// already pulled out of the kernel, so cancellation only closes the
	// sources and the channels drain out from there. pipeCtx aborts the
	// goroutines on the one path where draining is pointless: Run bailing
	// out on an output failure.
	pipeCtx, abort := context.WithCancel(context.Background())
	defer abort()

	g, gctx := errgroup.WithContext(pipeCtx)
	for _, r := range readers {
		r := r
		g.Go(func() error { return r.Run(gctx) })
	}
	g.Go(func() error { return merger.Run(gctx) })

	// The stop goroutine ends the session: sources stop being readable and
	// the channels drain out naturally from there.
	go func() {
		var timeout <-chan time.Time
		if opts.Duration > 0 {
			t := time.NewTimer(opts.Duration)
			defer t.Stop()
			timeout = t.C
		}
		select {
		case <-timeout:
		case <-ctx.Done():
		case <-pipeCtx.Done():
		}
		if opts.OnStop != nil {
			opts.OnStop()
		}
		for _, r := range readers {
			_ = r.Close()
		}
	}()

	if err := conv.Begin(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrOutput, err)
	}
	for rec := range merger.Records() {
		if err := recon.HandleRecord(rec); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrOutput, err)
		}
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("reading trace sources: %w", err)
	}

	if err := recon.Finalize(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrOutput, err)
	}
	if folder != nil {
		if err := folder.Flush(recon.LastTimestamp()); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrOutput, err)
		}
	}

	sum := &Summary{
		Sources:   len(sources),
		ClockSkew: merger.ClockSkew(),
		ClockSync: recon.ClockSyncParent(),
		Counters:  recon.Counters(),
	}
	for _, r := range readers {
		sum.ParseErrors += r.ParseErrors()
		sum.Unrecognized += r.Unrecognized()
	}
	if filt != nil {
		sum.FilteredSpans = filt.Dropped()
	}
	if err := conv.End(sum.otherData()); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrOutput, err)
	}
	return sum, nil
}

// Capture runs a full live session against the kernel tracing facility.
func Capture(ctx context.Context, cfg *config.Config, out sink.Sink) (*Summary, error) {
	ctrl, err := tracefs.Detect(cfg.TracefsPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSetup, err)
	}
	if cfg.Sleep > 0 {
		logrus.WithField("sleep", cfg.Sleep).Info("delaying capture start")
		select {
		case <-time.After(cfg.Sleep):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if err := ctrl.Setup(tracefs.Options{BufferKB: cfg.BufferKB, Sched: cfg.Sched}); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSetup, err)
	}
	defer ctrl.Teardown()

	pipes, err := ctrl.OpenPipes()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSetup, err)
	}
	if err := ctrl.Start(); err != nil {
		for _, p := range pipes {
			_ = p.Close()
		}
		return nil, fmt.Errorf("%w: %w", ErrSetup, err)
	}
	logrus.WithFields(logrus.Fields{
		"duration": cfg.Duration,
		"sources":  len(pipes),
		"root":     ctrl.Root(),
	}).Info("capture started")

	return Run(ctx, pipes, Options{
		Duration:  cfg.Duration,
		QueueSize: cfg.QueueSize,
		Sched:     cfg.Sched,
		Filter:    cfg.Filter,
		OnStop: func() {
			if err := ctrl.Stop(); err != nil {
				logrus.WithError(err).Warn("could not gate tracing off")
			}
			time.Sleep(drainGrace)
		},
	}, out)
}

func (s *Summary) otherData() map[string]any {
	other := map[string]any{
		"sources":             s.Sources,
		"overflows":           s.Overflows,
		"lost_entries":        s.LostEntries,
		"protocol_violations": s.ProtocolViolations,
		"truncated_closes":    s.TruncatedCloses,
		"unterminated_spans":  s.Unterminated,
		"negative_durations":  s.NegativeDurations,
		"clock_skew_events":   s.ClockSkew,
		"parse_errors":        s.ParseErrors,
		"unrecognized_lines":  s.Unrecognized,
	}
	if s.FilteredSpans > 0 {
		other["filtered_spans"] = s.FilteredSpans
	}
	if s.ClockSync != "" {
		other["clock_sync_parent_ts"] = s.ClockSync
	}
	return other
}
