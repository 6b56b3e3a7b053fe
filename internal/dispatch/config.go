package dispatch

import (
	"time"

	"github.com/cockroachdb/errors"
)

// Config controls how a sync is streamed to a sink.
type Config struct {
	// Records per batch message in the listing phase
	ListingBatchSize int `toml:"listing_batch_size" yaml:"listing_batch_size"`

	// Records per batch message in the job phase
	JobsBatchSize int `toml:"jobs_batch_size" yaml:"jobs_batch_size"`

	// Interval between heartbeats
	HeartbeatInterval time.Duration `toml:"heartbeat_interval" yaml:"heartbeat_interval"`

	// Outbound queue between producers and the sink writer
	QueueSize   int           `toml:"queue_size" yaml:"queue_size"`
	SendTimeout time.Duration `toml:"send_timeout" yaml:"send_timeout"`
}

func DefaultConfig() Config {
	return Config{
		ListingBatchSize:  100,
		JobsBatchSize:     50,
		HeartbeatInterval: 30 * time.Second,
		QueueSize:         64,
		SendTimeout:       time.Minute,
	}
}

func (c Config) Validate() error {
	if c.ListingBatchSize <= 0 {
		return errors.Newf("stream listing_batch_size must be positive, got %d", c.ListingBatchSize)
	}
	if c.JobsBatchSize <= 0 {
		return errors.Newf("stream jobs_batch_size must be positive, got %d", c.JobsBatchSize)
	}
	if c.HeartbeatInterval <= 0 {
		return errors.Newf("stream heartbeat_interval must be positive, got %s", c.HeartbeatInterval)
	}
	if c.QueueSize <= 0 {
		return errors.Newf("stream queue_size must be positive, got %d", c.QueueSize)
	}
	return nil
}
