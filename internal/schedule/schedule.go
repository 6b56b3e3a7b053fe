// Package schedule resyncs configured repositories on cron schedules.
package schedule

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/livinlefevreloca/ghastats/internal/collector"
	"github.com/livinlefevreloca/ghastats/internal/dispatch"
	"github.com/livinlefevreloca/ghastats/internal/runs"
	"github.com/livinlefevreloca/ghastats/internal/synccache"
	"github.com/robfig/cron/v3"
)

// cronParser supports standard 5-field expressions and descriptors like @hourly.
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// RepoSchedule is one [[schedule.repos]] entry.
type RepoSchedule struct {
	Repo string `toml:"repo" yaml:"repo"`
	Cron string `toml:"cron" yaml:"cron"`
}

type Config struct {
	Enabled bool           `toml:"enabled" yaml:"enabled"`
	Repos   []RepoSchedule `toml:"repos" yaml:"repos"`
}

func (c Config) Validate() error {
	seen := make(map[string]bool, len(c.Repos))
	for _, r := range c.Repos {
		if _, _, ok := runs.SplitRepo(r.Repo); !ok {
			return errors.Newf("schedule repo %q must be owner/name", r.Repo)
		}
		if seen[r.Repo] {
			return errors.Newf("schedule repo %s listed twice", r.Repo)
		}
		seen[r.Repo] = true
		if _, err := cronParser.Parse(r.Cron); err != nil {
			return errors.Wrapf(err, "schedule cron for %s", r.Repo)
		}
	}
	return nil
}

// Runner runs one streamed sync.
type Runner interface {
	Run(ctx context.Context, repo, token string, sink dispatch.Sink, opts dispatch.RunOptions) (*collector.Summary, error)
}

// Entry describes a scheduled repository.
type Entry struct {
	Repo string
	Next time.Time
}

// Scheduler fires background syncs. Their messages go to a LogSink.
type Scheduler struct {
	cron   *cron.Cron
	runner Runner
	token  string
	sink   dispatch.Sink
	logger *slog.Logger

	mu      sync.Mutex
	ids     map[string]cron.EntryID
	ctx     context.Context
	cancel  context.CancelFunc
	running sync.WaitGroup
}

func New(config Config, runner Runner, token string, logger *slog.Logger) (*Scheduler, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	s := &Scheduler{
		cron:   cron.New(cron.WithParser(cronParser)),
		runner: runner,
		token:  token,
		sink:   dispatch.NewLogSink(logger),
		logger: logger,
		ids:    make(map[string]cron.EntryID, len(config.Repos)),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	for _, r := range config.Repos {
		schedule, err := cronParser.Parse(r.Cron)
		if err != nil {
			return nil, errors.Wrapf(err, "schedule cron for %s", r.Repo)
		}
		repo := r.Repo
		s.ids[repo] = s.cron.Schedule(schedule, cron.FuncJob(func() {
			s.fire(repo)
		}))
	}
	return s, nil
}

// Start begins firing schedules. Syncs are cancelled when ctx is done or
// Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.cancel()
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	s.logger.Info("scheduler started", "repos", len(s.ids))
	s.cron.Start()
}

// Stop stops firing, cancels running syncs and waits for them to return.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.mu.Lock()
	s.cancel()
	s.mu.Unlock()
	s.running.Wait()
	s.logger.Info("scheduler stopped")
}

// Entries lists the scheduled repositories with their next fire time. Next
// is zero before Start.
func (s *Scheduler) Entries() []Entry {
	entries := make([]Entry, 0, len(s.ids))
	for repo, id := range s.ids {
		entries = append(entries, Entry{Repo: repo, Next: s.cron.Entry(id).Next})
	}
	return entries
}

func (s *Scheduler) fire(repo string) {
	s.mu.Lock()
	ctx := s.ctx
	s.running.Add(1)
	s.mu.Unlock()
	defer s.running.Done()

	if err := s.RunRepo(ctx, repo); err != nil {
		s.logger.Error("scheduled sync failed", "repo", repo, "error", err)
	}
}

// RunRepo syncs repo once. A sync of repo that is already running is not
// an error.
func (s *Scheduler) RunRepo(ctx context.Context, repo string) error {
	s.logger.Info("scheduled sync starting", "repo", repo)
	summary, err := s.runner.Run(ctx, repo, s.token, s.sink, dispatch.RunOptions{})
	switch {
	case errors.Is(err, synccache.ErrSyncInProgress):
		s.logger.Info("sync already running, skipping", "repo", repo)
		return nil
	case err != nil:
		return err
	}
	s.logger.Info("scheduled sync finished",
		"repo", repo,
		"new_runs", summary.NewRuns,
		"cached_runs", summary.CachedRuns,
		"jobs_fetched", summary.JobsFetched)
	return nil
}
