package syncer

import (
	"fmt"
)

// Config defines configuration for the syncer's database write buffering
type Config struct {
	// Maximum buffered runs or job sets before BufferRun/BufferJobs refuse more
	MaxBuffered int `toml:"max_buffered" yaml:"max_buffered"`

	// Batches queued for the writer goroutine
	BatchChannelSize int `toml:"batch_channel_size" yaml:"batch_channel_size"`

	// Flush once this many runs (or runs' job sets) are buffered
	RunFlushThreshold int `toml:"run_flush_threshold" yaml:"run_flush_threshold"`
	JobFlushThreshold int `toml:"job_flush_threshold" yaml:"job_flush_threshold"`
}

// DefaultConfig returns the batching used during a sync session
func DefaultConfig() Config {
	return Config{
		MaxBuffered:       1000,
		BatchChannelSize:  8,
		RunFlushThreshold: 50,
		JobFlushThreshold: 50,
	}
}

// Validate validates syncer configuration and returns error if invalid
func (config Config) Validate() error {
	if config.MaxBuffered <= 0 {
		return fmt.Errorf("syncer max_buffered must be positive, got %d", config.MaxBuffered)
	}

	if config.BatchChannelSize <= 0 {
		return fmt.Errorf("syncer batch_channel_size must be positive, got %d", config.BatchChannelSize)
	}

	if config.RunFlushThreshold <= 0 {
		return fmt.Errorf("syncer run_flush_threshold must be positive, got %d", config.RunFlushThreshold)
	}

	if config.JobFlushThreshold <= 0 {
		return fmt.Errorf("syncer job_flush_threshold must be positive, got %d", config.JobFlushThreshold)
	}

	if config.RunFlushThreshold > config.MaxBuffered || config.JobFlushThreshold > config.MaxBuffered {
		return fmt.Errorf("syncer flush thresholds must not exceed max_buffered (%d)", config.MaxBuffered)
	}

	return nil
}
