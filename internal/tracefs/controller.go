package tracefs

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Mount points tried in order when no override is given. Newer kernels mount
// tracefs directly; older ones expose it under debugfs.
var defaultRoots = []string{
	"/sys/kernel/tracing",
	"/sys/kernel/debug/tracing",
}

// Options configures the kernel side of a capture.
type Options struct {
	// BufferKB is the per-CPU ring buffer size.
	BufferKB int
	// Sched enables sched_switch events for the scheduler tracks.
	Sched bool
}

// Controller drives one tracefs mount.
type Controller struct {
	root string
}

// Detect locates a usable tracing filesystem. An empty override means the
// standard mount points are probed. Failure here is a setup failure: there
// is no capture to salvage.
func Detect(override string) (*Controller, error) {
	roots := defaultRoots
	if override != "" {
		roots = []string{override}
	}

	var firstErr error
	for _, root := range roots {
		c := &Controller{root: root}
		if err := c.verify(); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		logrus.WithField("root", root).Debug("using tracing filesystem")
		return c, nil
	}
	return nil, fmt.Errorf("no usable kernel tracing filesystem (is tracefs mounted and are you root?): %w", firstErr)
}

func (c *Controller) verify() error {
	var st unix.Statfs_t
	if err := unix.Statfs(c.root, &st); err != nil {
		return fmt.Errorf("statfs %s: %w", c.root, err)
	}
	if st.Type != unix.TRACEFS_MAGIC && st.Type != unix.DEBUGFS_MAGIC {
		return fmt.Errorf("%s is not tracefs or debugfs", c.root)
	}
	// Write access decides whether a capture can be configured at all.
	if err := unix.Access(c.path("tracing_on"), unix.W_OK); err != nil {
		return fmt.Errorf("tracing_on not writable under %s: %w", c.root, err)
	}
	return nil
}

// Root returns the mount in use.
func (c *Controller) Root() string { return c.root }

// Setup configures the facility for a capture: generous buffers, the global
// clock so per-CPU timestamps are comparable, overwrite mode so the newest
// data survives saturation, and a cleared buffer to start from.
func (c *Controller) Setup(opts Options) error {
	if err := c.writeFile("current_tracer", "nop"); err != nil {
		return err
	}
	if err := c.writeFile("buffer_size_kb", strconv.Itoa(opts.BufferKB)); err != nil {
		return err
	}
	if err := c.setClock("global"); err != nil {
		return err
	}
	if err := c.writeOption("options/overwrite", true); err != nil {
		return err
	}
	// record-cmd keeps comm resolution working for short-lived tasks;
	// print-tgid only exists on patched kernels.
	if err := c.writeOption("options/record-cmd", true); err != nil {
		logrus.WithError(err).Debug("record-cmd not available")
	}
	if c.exists("options/print-tgid") {
		if err := c.writeOption("options/print-tgid", true); err != nil {
			logrus.WithError(err).Debug("print-tgid not available")
		}
	}
	if err := c.writeOption("events/sched/sched_switch/enable", opts.Sched); err != nil && opts.Sched {
		return fmt.Errorf("enabling sched_switch events: %w", err)
	}
	return c.Clear()
}

// Start opens the gate and drops a clock-sync marker so the converted trace
// can be anchored to wall-clock time.
func (c *Controller) Start() error {
	if err := c.writeFile("tracing_on", "1"); err != nil {
		return err
	}
	sync := fmt.Sprintf("trace_event_clock_sync: parent_ts=%.6f", float64(time.Now().UnixNano())/1e9)
	if err := c.writeFile("trace_marker", sync); err != nil {
		logrus.WithError(err).Warn("could not write clock sync marker")
	}
	return nil
}

// Stop closes the gate; buffered data remains readable for the drain.
func (c *Controller) Stop() error {
	return c.writeFile("tracing_on", "0")
}

// Teardown restores the settings a capture changed. Errors are logged, not
// returned: teardown runs on every exit path.
func (c *Controller) Teardown() {
	for _, step := range []struct {
		file  string
		value string
	}{
		{"tracing_on", "0"},
		{"events/sched/sched_switch/enable", "0"},
		{"options/record-cmd", "0"},
		{"buffer_size_kb", "1408"},
	} {
		if err := c.writeFile(step.file, step.value); err != nil {
			logrus.WithError(err).WithField("file", step.file).Debug("teardown step failed")
		}
	}
}

// Clear truncates the trace buffer.
func (c *Controller) Clear() error {
	return c.writeFile("trace", "")
}

// OpenPipes opens one trace_pipe stream per CPU present under per_cpu,
// in CPU order.
func (c *Controller) OpenPipes() ([]io.ReadCloser, error) {
	entries, err := os.ReadDir(c.path("per_cpu"))
	if err != nil {
		return nil, fmt.Errorf("listing per-CPU buffers: %w", err)
	}

	var cpus []int
	for _, e := range entries {
		n, ok := strings.CutPrefix(e.Name(), "cpu")
		if !ok {
			continue
		}
		cpu, err := strconv.Atoi(n)
		if err != nil {
			continue
		}
		cpus = append(cpus, cpu)
	}
	if len(cpus) == 0 {
		return nil, fmt.Errorf("no per-CPU trace buffers under %s", c.root)
	}
	sort.Ints(cpus)

	pipes := make([]io.ReadCloser, 0, len(cpus))
	for _, cpu := range cpus {
		p := c.path("per_cpu", fmt.Sprintf("cpu%d", cpu), "trace_pipe")
		f, err := os.Open(p)
		if err != nil {
			for _, open := range pipes {
				_ = open.Close()
			}
			return nil, fmt.Errorf("opening %s: %w", p, err)
		}
		pipes = append(pipes, f)
	}
	return pipes, nil
}

// OpenMarker opens the emitter's write endpoint.
func (c *Controller) OpenMarker() (io.WriteCloser, error) {
	f, err := os.OpenFile(c.path("trace_marker"), os.O_WRONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("opening trace_marker: %w", err)
	}
	return f, nil
}

// setClock switches the trace clock, skipping the write when the requested
// clock is already selected: changing the clock resets the buffer.
func (c *Controller) setClock(clock string) error {
	current, err := os.ReadFile(c.path("trace_clock"))
	if err == nil && strings.Contains(string(current), "["+clock+"]") {
		return nil
	}
	return c.writeFile("trace_clock", clock)
}

func (c *Controller) writeFile(rel, value string) error {
	p := c.path(rel)
	if err := os.WriteFile(p, []byte(value), 0); err != nil {
		return fmt.Errorf("writing %s: %w", p, err)
	}
	return nil
}

func (c *Controller) writeOption(rel string, enable bool) error {
	v := "0"
	if enable {
		v = "1"
	}
	return c.writeFile(rel, v)
}

func (c *Controller) exists(rel string) bool {
	_, err := os.Stat(c.path(rel))
	return err == nil
}

func (c *Controller) path(parts ...string) string {
	return filepath.Join(append([]string{c.root}, parts...)...)
}
