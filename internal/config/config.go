package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/cockroachdb/errors"
	"github.com/livinlefevreloca/ghastats/internal/collector"
	"github.com/livinlefevreloca/ghastats/internal/db"
	"github.com/livinlefevreloca/ghastats/internal/dispatch"
	"github.com/livinlefevreloca/ghastats/internal/logging"
	"github.com/livinlefevreloca/ghastats/internal/schedule"
	"github.com/livinlefevreloca/ghastats/internal/server"
	"github.com/livinlefevreloca/ghastats/internal/source"
	"gopkg.in/yaml.v3"
)

// Environment variables consulted for the API token, in order
var tokenEnv = []string{"GHASTATS_TOKEN", "GITHUB_TOKEN"}

// Config represents the application configuration
type Config struct {
	// Default API token. Overridden by GHASTATS_TOKEN or GITHUB_TOKEN.
	Token string `toml:"token" yaml:"token"`

	Database db.Config        `toml:"database" yaml:"database"`
	Source   source.Config    `toml:"source" yaml:"source"`
	Sync     collector.Config `toml:"sync" yaml:"sync"`
	Stream   dispatch.Config  `toml:"stream" yaml:"stream"`
	Server   server.Config    `toml:"server" yaml:"server"`
	Logging  logging.Config   `toml:"logging" yaml:"logging"`
	Schedule schedule.Config  `toml:"schedule" yaml:"schedule"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Database: db.DefaultConfig(),
		Source:   source.DefaultConfig(),
		Sync:     collector.DefaultConfig(),
		Stream:   dispatch.DefaultConfig(),
		Server:   server.DefaultConfig(),
		Logging:  logging.DefaultConfig(),
	}
}

// LoadFromFile loads configuration from a TOML or YAML file on top of the
// defaults. The format is chosen by extension.
func LoadFromFile(path string) (*Config, error) {
	config := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Newf("config file does not exist: %s", path)
		}
		return nil, errors.Wrap(err, "read config file")
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, errors.Wrap(err, "failed to parse config file")
		}
	default:
		if _, err := toml.Decode(string(data), config); err != nil {
			return nil, errors.Wrap(err, "failed to parse config file")
		}
	}

	return config, nil
}

// LoadConfig loads configuration with the following precedence:
// 1. Default values
// 2. Config file (if specified)
// 3. Environment variables
// 4. Command-line flags (handled by caller)
func LoadConfig(configPath string) (*Config, error) {
	config := DefaultConfig()
	if configPath != "" {
		fileConfig, err := LoadFromFile(configPath)
		if err != nil {
			return nil, err
		}
		config = fileConfig
	}

	config.applyEnv(os.Getenv)
	return config, nil
}

func (c *Config) applyEnv(getenv func(string) string) {
	for _, name := range tokenEnv {
		if v := getenv(name); v != "" {
			c.Token = v
			return
		}
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Database.Driver == "" {
		return errors.New("database driver must be specified")
	}
	if c.Database.Driver != "sqlite3" {
		return errors.Newf("unsupported database driver: %s (must be sqlite3)", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return errors.New("database dsn must be specified")
	}
	if c.Database.MaxOpenConns <= 0 {
		return errors.New("database max_open_conns must be positive")
	}

	validators := []func() error{
		c.Source.Validate,
		c.Sync.Validate,
		c.Stream.Validate,
		c.Server.Validate,
		c.Logging.Validate,
		c.Schedule.Validate,
	}
	for _, validate := range validators {
		if err := validate(); err != nil {
			return err
		}
	}
	return nil
}
