package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// EnvConfig holds configuration read from environment variables.
type EnvConfig struct {
	// TracefsPath points at the tracefs mount when autodetection is not
	// wanted (containers, chroots).
	TracefsPath string `env:"ATRACE_TRACEFS_PATH" envDefault:""`
	// QueueSize is the per-CPU reader channel capacity.
	QueueSize int `env:"ATRACE_QUEUE_SIZE" envDefault:"4096"`
	// BufferKB overrides the default per-CPU kernel buffer size.
	BufferKB int `env:"ATRACE_BUFFER_KB" envDefault:"0"`
}

// ParseEnvConfig parses the ATRACE_* environment variables.
func ParseEnvConfig() (*EnvConfig, error) {
	var cfg EnvConfig
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment config: %w", err)
	}
	if cfg.QueueSize <= 0 {
		return nil, fmt.Errorf("ATRACE_QUEUE_SIZE must be positive, got %d", cfg.QueueSize)
	}
	return &cfg, nil
}
