package source

import (
	"time"

	"github.com/cockroachdb/errors"
)

// Config controls how the client talks to the remote API.
type Config struct {
	BaseURL           string        `toml:"base_url" yaml:"base_url"`
	PerPage           int           `toml:"per_page" yaml:"per_page"`
	RequestTimeout    time.Duration `toml:"request_timeout" yaml:"request_timeout"`
	RequestsPerSecond float64       `toml:"requests_per_second" yaml:"requests_per_second"`
	Burst             int           `toml:"burst" yaml:"burst"`
	RateLimitMargin   time.Duration `toml:"rate_limit_margin" yaml:"rate_limit_margin"`
	MaxAttempts       int           `toml:"max_attempts" yaml:"max_attempts"`
	MaxBackoff        time.Duration `toml:"max_backoff" yaml:"max_backoff"`
	UserAgent         string        `toml:"user_agent" yaml:"user_agent"`
}

// DefaultConfig returns the settings used against api.github.com.
func DefaultConfig() Config {
	return Config{
		BaseURL:           "https://api.github.com",
		PerPage:           100,
		RequestTimeout:    30 * time.Second,
		RequestsPerSecond: 2,
		Burst:             1,
		RateLimitMargin:   10 * time.Second,
		MaxAttempts:       5,
		MaxBackoff:        60 * time.Second,
		UserAgent:         "ghastats",
	}
}

// Validate checks the configuration for values the client cannot work with.
func (c Config) Validate() error {
	if c.BaseURL == "" {
		return errors.New("source base_url is required")
	}
	if c.PerPage <= 0 || c.PerPage > 100 {
		return errors.Newf("source per_page must be between 1 and 100, got %d", c.PerPage)
	}
	if c.RequestTimeout <= 0 {
		return errors.New("source request_timeout must be positive")
	}
	if c.RequestsPerSecond < 0 {
		return errors.New("source requests_per_second must not be negative")
	}
	if c.RateLimitMargin < 0 {
		return errors.New("source rate_limit_margin must not be negative")
	}
	if c.MaxAttempts <= 0 {
		return errors.New("source max_attempts must be positive")
	}
	if c.MaxBackoff <= 0 {
		return errors.New("source max_backoff must be positive")
	}
	return nil
}
