// Package config parses the command line and environment into a capture
// configuration. Flags win over environment variables; environment variables
// win over defaults.
package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrHelp is returned by ParseArgs when the user asked for usage text.
var ErrHelp = errors.New("help requested")

// Config holds the fully resolved run configuration.
type Config struct {
	// Duration is how long the capture runs.
	Duration time.Duration
	// Sleep is an optional delay before the capture starts.
	Sleep time.Duration
	// BufferKB is the per-CPU kernel ring buffer size in KiB.
	BufferKB int
	// Output is the destination path. With Compress set the default gains a
	// .gz suffix.
	Output string
	// Compress gzips the output.
	Compress bool
	// Decompress, when non-empty, switches to standalone decompress mode:
	// inflate this file to Output (or stdout if Output is "-").
	Decompress string
	// Sched enables scheduler tracks.
	Sched bool
	// Filter is an optional span filter expression.
	Filter string

	// TracefsPath overrides tracefs autodetection (env only).
	TracefsPath string
	// QueueSize is the per-reader channel capacity (env only).
	QueueSize int
}

const (
	defaultDuration = 5 * time.Second
	defaultBufferKB = 2048
	defaultOutput   = "trace.json"
)

// Usage returns the help text for the given program name.
func Usage(prog string) string {
	return fmt.Sprintf(`Usage: %s [options]

Capture userspace spans (and optionally scheduler activity) through the
kernel trace buffer and write a Chrome trace-event file.

Options:
  -t, --time SECONDS     capture duration (default 5)
  -s, --sleep SECONDS    delay before the capture starts (default 0)
  -b, --buf-size KB      per-CPU kernel buffer size in KiB (default 2048)
  -o, --output PATH      output path (default trace.json, "-" for stdout)
  -z, --compress         gzip the output (default output becomes trace.json.gz)
      --sched            record scheduler tracks alongside spans
      --filter EXPR      keep only spans matching EXPR
                         (e.g. 'duration_ns > 1000000 && name startsWith "db."')
  -d, --decompress FILE  inflate a previously compressed capture to --output
  -h, --help             show this help

Environment:
  ATRACE_TRACEFS_PATH    tracefs mount point override
  ATRACE_BUFFER_KB       default for --buf-size
  ATRACE_QUEUE_SIZE      per-CPU reader queue capacity
`, prog)
}

// ParseArgs parses args (including the program name at args[0]) on top of the
// environment configuration.
func ParseArgs(args []string, envCfg *EnvConfig) (*Config, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("no arguments provided")
	}

	cfg := &Config{
		Duration:    defaultDuration,
		BufferKB:    defaultBufferKB,
		Output:      defaultOutput,
		TracefsPath: envCfg.TracefsPath,
		QueueSize:   envCfg.QueueSize,
	}
	if envCfg.BufferKB > 0 {
		cfg.BufferKB = envCfg.BufferKB
	}

	outputSet := false
	for i := 1; i < len(args); i++ {
		arg := args[i]

		value := func(name string) (string, error) {
			if i+1 >= len(args) {
				return "", fmt.Errorf("%s requires a value", name)
			}
			i++
			return args[i], nil
		}

		switch arg {
		case "-h", "--help":
			return nil, ErrHelp
		case "-t", "--time":
			v, err := value(arg)
			if err != nil {
				return nil, err
			}
			secs, err := parseSeconds(arg, v)
			if err != nil {
				return nil, err
			}
			cfg.Duration = secs
		case "-s", "--sleep":
			v, err := value(arg)
			if err != nil {
				return nil, err
			}
			secs, err := parseSeconds(arg, v)
			if err != nil {
				return nil, err
			}
			cfg.Sleep = secs
		case "-b", "--buf-size":
			v, err := value(arg)
			if err != nil {
				return nil, err
			}
			kb, err := strconv.Atoi(v)
			if err != nil || kb <= 0 {
				return nil, fmt.Errorf("%s must be a positive integer, got %q", arg, v)
			}
			cfg.BufferKB = kb
		case "-o", "--output":
			v, err := value(arg)
			if err != nil {
				return nil, err
			}
			cfg.Output = v
			outputSet = true
		case "-z", "--compress":
			cfg.Compress = true
		case "-d", "--decompress":
			v, err := value(arg)
			if err != nil {
				return nil, err
			}
			cfg.Decompress = v
		case "--sched":
			cfg.Sched = true
		case "--filter":
			v, err := value(arg)
			if err != nil {
				return nil, err
			}
			cfg.Filter = v
		default:
			return nil, fmt.Errorf("unknown flag %q (try --help)", arg)
		}
	}

	if cfg.Compress && !outputSet {
		cfg.Output = defaultOutput + ".gz"
	}
	if cfg.Decompress != "" && !outputSet {
		// Inflating back over the default capture name would be surprising;
		// derive the name from the input instead.
		cfg.Output = strings.TrimSuffix(cfg.Decompress, ".gz")
		if cfg.Output == cfg.Decompress {
			cfg.Output = cfg.Decompress + ".json"
		}
	}

	return cfg, nil
}

func parseSeconds(flag, v string) (time.Duration, error) {
	secs, err := strconv.ParseFloat(v, 64)
	if err != nil || secs < 0 {
		return 0, fmt.Errorf("%s must be a non-negative number of seconds, got %q", flag, v)
	}
	return time.Duration(secs * float64(time.Second)), nil
}
