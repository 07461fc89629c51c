// atrace-demo is a small instrumented workload for exercising a capture: it
// emits nested spans, cross-goroutine work and point events through the
// kernel marker endpoint, via the OpenTelemetry SDK on one side and the raw
// span writer on the other.
//
// Run "atrace -t 10" in one terminal and this program in another.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"atrace/internal/emitter"
	"atrace/internal/tracefs"
)

func main() {
	if err := run(); err != nil {
		logrus.Fatal(err)
	}
}

func run() error {
	iterations := flag.Int("n", 5, "number of work iterations")
	stdout := flag.Bool("stdout", false, "write marker records to stdout instead of the kernel")
	flag.Parse()

	var marker io.WriteCloser = os.Stdout
	if !*stdout {
		ctrl, err := tracefs.Detect(os.Getenv("ATRACE_TRACEFS_PATH"))
		if err != nil {
			return err
		}
		if marker, err = ctrl.OpenMarker(); err != nil {
			return err
		}
		defer marker.Close()
	}

	w := emitter.NewWriter(marker)
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(emitter.NewSpanProcessor(w)))
	defer func() {
		if err := tp.Shutdown(context.Background()); err != nil {
			logrus.WithError(err).Warn("tracer provider shutdown")
		}
	}()
	tracer := tp.Tracer("atrace-demo")

	ctx, root := tracer.Start(context.Background(), "demo")
	for i := 0; i < *iterations; i++ {
		iterCtx, iter := tracer.Start(ctx, fmt.Sprintf("iteration-%d", i))

		// Fan a batch of parallel lookups out across goroutines; their spans
		// close on whatever thread the scheduler lands them on.
		var wg sync.WaitGroup
		for j := 0; j < 3; j++ {
			wg.Add(1)
			go func(j int) {
				defer wg.Done()
				_, s := tracer.Start(iterCtx, fmt.Sprintf("lookup-%d", j))
				time.Sleep(time.Duration(5+j*3) * time.Millisecond)
				s.End()
			}(j)
		}
		wg.Wait()

		// A raw span with fields and an explicit point event, bypassing the
		// SDK entirely.
		id, err := w.OpenSpan(0, "aggregate", map[string]string{"batch": fmt.Sprint(i)})
		if err != nil {
			return err
		}
		time.Sleep(10 * time.Millisecond)
		if err := w.Event(id, "merged", nil); err != nil {
			return err
		}
		if err := w.CloseSpan(id); err != nil {
			return err
		}

		iter.End()
	}
	root.End()

	logrus.WithField("iterations", *iterations).Info("demo workload finished")
	return nil
}
