// Package logging builds the process logger from configuration.
//
//	logger, err := logging.New(logging.Config{Level: "debug", Format: "text"})
//	logger.Info("sync started", "repo", "octo/hello")
package logging

import (
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

var (
	validLevels  = []string{"debug", "info", "warn", "error"}
	validFormats = []string{"json", "text"}
)

// Config holds the configuration for the logger.
type Config struct {
	// Minimum level: debug, info, warn, error
	Level string `toml:"level" yaml:"level"`
	// Output format: json, text
	Format string `toml:"format" yaml:"format"`
	// stdout, stderr, or a file path
	Output string `toml:"output" yaml:"output"`
	// Add source position to records
	AddSource bool `toml:"add_source" yaml:"add_source"`
}

func DefaultConfig() Config {
	return Config{
		Level:  "info",
		Format: "text",
		Output: "stderr",
	}
}

func (c Config) Validate() error {
	if c.Level != "" && !slices.Contains(validLevels, strings.ToLower(c.Level)) {
		return errors.Newf("logging level must be one of: %s", strings.Join(validLevels, ", "))
	}
	if c.Format != "" && !slices.Contains(validFormats, c.Format) {
		return errors.Newf("logging format must be one of: %s", strings.Join(validFormats, ", "))
	}
	return nil
}

func (c *Config) setDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Format == "" {
		c.Format = "text"
	}
	if c.Output == "" {
		c.Output = "stderr"
	}
}

// New builds a logger writing to the configured output.
func New(config Config) (*slog.Logger, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid logging config")
	}
	config.setDefaults()

	writer, err := openOutput(config.Output)
	if err != nil {
		return nil, err
	}
	return NewWithWriter(config, writer)
}

// NewWithWriter builds a logger writing to w, ignoring config.Output.
func NewWithWriter(config Config, w io.Writer) (*slog.Logger, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid logging config")
	}
	config.setDefaults()

	opts := &slog.HandlerOptions{
		Level:     parseLevel(config.Level),
		AddSource: config.AddSource,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey && len(groups) == 0 {
				return slog.String(slog.TimeKey, a.Value.Time().Format(time.RFC3339))
			}
			return a
		},
	}

	var handler slog.Handler
	switch config.Format {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler), nil
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func openOutput(output string) (io.Writer, error) {
	switch output {
	case "stdout":
		return os.Stdout, nil
	case "stderr":
		return os.Stderr, nil
	default:
		file, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, errors.Wrapf(err, "open log file %q", output)
		}
		return file, nil
	}
}
