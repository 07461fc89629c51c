// atrace captures spans emitted through the kernel trace buffer and writes
// them as a Chrome trace-event file. It owns the tracing facility for the
// duration of a capture: configure, start, drain, convert, restore.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"atrace/internal/capture"
	"atrace/internal/config"
	"atrace/internal/sink"
)

// Version information injected at build time.
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	err := run()
	switch {
	case err == nil:
	case errors.Is(err, config.ErrHelp):
		fmt.Print(config.Usage("atrace"))
	case errors.Is(err, capture.ErrOutput):
		logrus.Error(err)
		os.Exit(2)
	default:
		logrus.Error(err)
		os.Exit(1)
	}
}

func run() error {
	envCfg, err := config.ParseEnvConfig()
	if err != nil {
		return err
	}
	cfg, err := config.ParseArgs(os.Args, envCfg)
	if err != nil {
		return err
	}

	if cfg.Decompress != "" {
		return decompress(cfg)
	}
	return runCapture(cfg)
}

func runCapture(cfg *config.Config) error {
	logrus.WithFields(logrus.Fields{"version": version, "commit": commit}).Debug("starting atrace")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	out, err := openSink(cfg)
	if err != nil {
		return fmt.Errorf("%w: %w", capture.ErrOutput, err)
	}

	summary, err := capture.Capture(ctx, cfg, out)
	if err != nil {
		if abortErr := out.Abort(); abortErr != nil {
			logrus.WithError(abortErr).Warn("could not clean up partial output")
		}
		return err
	}
	// Only a fully finalized document gets the real output name.
	if err := out.Close(); err != nil {
		return fmt.Errorf("%w: %w", capture.ErrOutput, err)
	}

	logrus.WithFields(logrus.Fields{
		"output":       cfg.Output,
		"sources":      summary.Sources,
		"unterminated": summary.Unterminated,
		"overflows":    summary.Overflows,
		"filtered":     summary.FilteredSpans,
	}).Info("capture complete")
	return nil
}

func decompress(cfg *config.Config) error {
	in, err := os.Open(cfg.Decompress)
	if err != nil {
		return fmt.Errorf("opening compressed capture: %w", err)
	}
	defer in.Close()

	out, err := openSink(cfg)
	if err != nil {
		return fmt.Errorf("%w: %w", capture.ErrOutput, err)
	}
	if err := sink.Decompress(out, in); err != nil {
		if abortErr := out.Abort(); abortErr != nil {
			logrus.WithError(abortErr).Warn("could not clean up partial output")
		}
		return fmt.Errorf("%w: %w", capture.ErrOutput, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("%w: %w", capture.ErrOutput, err)
	}
	return nil
}

// openSink builds the output chain: file or stdout, optionally gzipped.
func openSink(cfg *config.Config) (sink.Sink, error) {
	var s sink.Sink
	if cfg.Output == "-" {
		s = sink.NewWriter(os.Stdout)
	} else {
		var err error
		if s, err = sink.NewFile(cfg.Output); err != nil {
			return nil, err
		}
	}
	if cfg.Compress {
		s = sink.NewGzip(s)
	}
	return s, nil
}
