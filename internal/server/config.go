package server

import (
	"time"

	"github.com/cockroachdb/errors"
)

// Config is the HTTP server configuration.
type Config struct {
	ListenAddr      string        `toml:"listen_addr" yaml:"listen_addr"`
	ReadTimeout     time.Duration `toml:"read_timeout" yaml:"read_timeout"`
	ShutdownTimeout time.Duration `toml:"shutdown_timeout" yaml:"shutdown_timeout"`

	// Origins allowed to open the sync websocket. Requests without an
	// Origin header are always allowed.
	AllowedOrigins []string `toml:"allowed_origins" yaml:"allowed_origins"`

	// Maximum sessions returned by the sessions endpoint
	SessionLimit int `toml:"session_limit" yaml:"session_limit"`
}

func DefaultConfig() Config {
	return Config{
		ListenAddr:      ":8080",
		ReadTimeout:     15 * time.Second,
		ShutdownTimeout: 5 * time.Second,
		AllowedOrigins:  []string{"http://localhost", "https://localhost"},
		SessionLimit:    20,
	}
}

func (c Config) Validate() error {
	if c.ListenAddr == "" {
		return errors.New("server listen_addr is required")
	}
	if c.SessionLimit <= 0 {
		return errors.Newf("server session_limit must be positive, got %d", c.SessionLimit)
	}
	return nil
}
