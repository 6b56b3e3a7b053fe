package collector

import (
	"github.com/cockroachdb/errors"
	"github.com/livinlefevreloca/ghastats/internal/syncer"
)

// Config controls one sync session.
type Config struct {
	// Runs requested per listing page
	PerPage int `toml:"per_page" yaml:"per_page"`

	// Run the job enrichment phase
	FetchJobs bool `toml:"fetch_jobs" yaml:"fetch_jobs"`

	// Re-walk a workflow sequentially when fewer runs are known than the
	// remote reports
	VerifyCompleteness bool `toml:"verify_completeness" yaml:"verify_completeness"`

	// Persistence batching
	Persist syncer.Config `toml:"persist" yaml:"persist"`
}

func DefaultConfig() Config {
	return Config{
		PerPage:            100,
		FetchJobs:          true,
		VerifyCompleteness: true,
		Persist:            syncer.DefaultConfig(),
	}
}

func (c Config) Validate() error {
	if c.PerPage <= 0 || c.PerPage > 100 {
		return errors.Newf("sync per_page must be between 1 and 100, got %d", c.PerPage)
	}
	return c.Persist.Validate()
}
