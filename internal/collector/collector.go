// Package collector implements a repository sync: a listing phase that walks
// every workflow's runs newest first, skipping pages already known from
// earlier syncs, and a job phase that enriches runs lacking job details.
package collector

import (
	"context"
	"log/slog"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/livinlefevreloca/ghastats/internal/db"
	"github.com/livinlefevreloca/ghastats/internal/metrics"
	"github.com/livinlefevreloca/ghastats/internal/runs"
	"github.com/livinlefevreloca/ghastats/internal/source"
	"github.com/livinlefevreloca/ghastats/internal/synccache"
	"github.com/livinlefevreloca/ghastats/internal/syncer"
)

// RunSource is the remote the collector pulls from.
type RunSource interface {
	ListWorkflows(ctx context.Context, repo, token string) ([]source.Workflow, error)
	ListRuns(ctx context.Context, req source.PageRequest) (*source.Page, error)
	ListJobs(ctx context.Context, repo, token string, runID int64) ([]runs.JobRecord, error)
	CountRuns(ctx context.Context, repo, token string) (int, error)
}

// Store is the Run Store the collector reads its cache from and persists to.
type Store interface {
	synccache.Store
	syncer.Writer
}

// SessionRecorder keeps the ledger of sync sessions.
type SessionRecorder interface {
	CreateSyncSession(ctx context.Context, repo string, startedAt time.Time) (string, error)
	FinishSyncSession(ctx context.Context, s db.SyncSession) error
}

// Summary describes a finished sync.
type Summary struct {
	SessionID    string    `json:"session_id"`
	Repo         string    `json:"repo"`
	Workflows    int       `json:"workflows"`
	NewRuns      int       `json:"new_runs"`
	CachedRuns   int       `json:"cached_runs"`
	JobsFetched  int       `json:"jobs_fetched"`
	PagesFetched int       `json:"pages_fetched"`
	PagesSkipped int       `json:"pages_skipped"`
	Backtracks   int       `json:"backtracks"`
	Malformed    int       `json:"malformed"`
	Degraded     bool      `json:"degraded"`
	Started      time.Time `json:"started"`
	Finished     time.Time `json:"finished"`
}

// Total is the number of distinct runs the sync produced.
func (s *Summary) Total() int {
	return s.NewRuns + s.CachedRuns
}

// Collector runs syncs. At most one sync per repository is active at a time.
type Collector struct {
	config   Config
	source   RunSource
	store    Store
	registry *synccache.Registry
	sessions SessionRecorder
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures a Collector.
type Option func(*Collector)

// WithSessionRecorder records every sync in a session ledger.
func WithSessionRecorder(r SessionRecorder) Option {
	return func(c *Collector) { c.sessions = r }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Collector) { c.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(c *Collector) { c.now = now }
}

func New(config Config, src RunSource, store Store, logger *slog.Logger, opts ...Option) (*Collector, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	c := &Collector{
		config:   config,
		source:   src,
		store:    store,
		registry: synccache.NewRegistry(store, logger),
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Active reports whether repo is being synced right now.
func (c *Collector) Active(repo string) bool {
	return c.registry.Active(repo)
}

// session is the state of one Sync call.
type session struct {
	c       *Collector
	repo    string
	token   string
	out     Emitter
	cache   *synccache.Cache
	persist *syncer.Syncer
	summary *Summary
	logger  *slog.Logger

	emitted      map[int64]struct{}
	order        []int64
	processed    int
	estimated    int
	lastPageFull bool
	storageErr   error
}

// Sync brings repo's stored history up to date and emits every run of the
// repository: first each run once in the listing phase, then each run once
// more in the job phase with its jobs attached. On cancellation the buffered
// writes are completed before ctx.Err() is returned.
func (c *Collector) Sync(ctx context.Context, repo, token string, out Emitter) (summary *Summary, err error) {
	if _, _, ok := runs.SplitRepo(repo); !ok {
		return nil, errors.Newf("invalid repository %q, expected owner/name", repo)
	}

	cache, release, err := c.registry.Acquire(repo)
	if err != nil {
		return nil, err
	}
	defer release()

	persist, err := syncer.NewSyncer(c.config.Persist, repo, c.store, c.logger)
	if err != nil {
		return nil, err
	}

	s := &session{
		c:         c,
		repo:      repo,
		token:     token,
		out:       out,
		cache:     cache,
		persist:   persist,
		summary:   &Summary{Repo: repo, Started: c.now()},
		emitted:   make(map[int64]struct{}),
		estimated: -1,
	}
	s.summary.SessionID = c.startSession(ctx, repo, s.summary.Started)
	s.logger = c.logger.With("repo", repo, "session_id", s.summary.SessionID)

	done := c.metrics.SyncStarted()
	persist.Start(ctx)
	s.logger.Info("sync started")

	defer func() {
		if shutdownErr := persist.Shutdown(); shutdownErr != nil {
			s.storageFailure(shutdownErr)
		}
		written := persist.GetStats()
		s.summary.Degraded = cache.Degraded()
		s.summary.Finished = c.now()
		summary = s.summary

		result := c.finishSession(ctx, s.summary, err)
		done(result)
		s.logger.Info("sync finished",
			"result", result,
			"new_runs", s.summary.NewRuns,
			"cached_runs", s.summary.CachedRuns,
			"jobs_fetched", s.summary.JobsFetched,
			"pages_fetched", s.summary.PagesFetched,
			"pages_skipped", s.summary.PagesSkipped,
			"backtracks", s.summary.Backtracks,
			"runs_written", written.RunsWritten,
			"batches_failed", written.BatchesFailed,
			"degraded", s.summary.Degraded)
	}()

	if err := cache.Load(ctx); err != nil {
		return nil, err
	}
	if cache.Degraded() {
		c.metrics.StorageError()
	}

	if err := s.listing(ctx); err != nil {
		return nil, err
	}
	if c.config.FetchJobs {
		if err := s.enrich(ctx); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

func (c *Collector) startSession(ctx context.Context, repo string, started time.Time) string {
	if c.sessions == nil {
		return uuid.New().String()
	}
	id, err := c.sessions.CreateSyncSession(ctx, repo, started)
	if err != nil {
		c.logger.Warn("failed to record sync session", "repo", repo, "error", err)
		return uuid.New().String()
	}
	return id
}

func (c *Collector) finishSession(ctx context.Context, summary *Summary, syncErr error) string {
	status := db.SessionCompleted
	var msg *string
	switch {
	case syncErr == nil:
	case errors.Is(syncErr, context.Canceled), errors.Is(syncErr, context.DeadlineExceeded):
		status = db.SessionCancelled
	default:
		status = db.SessionFailed
		text := syncErr.Error()
		msg = &text
	}

	if c.sessions != nil {
		finished := summary.Finished
		err := c.sessions.FinishSyncSession(context.WithoutCancel(ctx), db.SyncSession{
			ID:           summary.SessionID,
			Repo:         summary.Repo,
			StartedAt:    summary.Started,
			FinishedAt:   &finished,
			Status:       status,
			NewRuns:      summary.NewRuns,
			CachedRuns:   summary.CachedRuns,
			JobsFetched:  summary.JobsFetched,
			PagesSkipped: summary.PagesSkipped,
			Backtracks:   summary.Backtracks,
			Error:        msg,
		})
		if err != nil && !db.IsNotFound(err) {
			c.logger.Warn("failed to finish sync session", "session_id", summary.SessionID, "error", err)
		}
	}
	return status
}

// =============================================================================
// Listing phase
// =============================================================================

func (s *session) listing(ctx context.Context) error {
	workflows, err := s.c.source.ListWorkflows(ctx, s.repo, s.token)
	if err != nil {
		return s.fail(ctx, PhaseListing, err)
	}
	s.summary.Workflows = len(workflows)

	total, err := s.c.source.CountRuns(ctx, s.repo, s.token)
	switch {
	case err != nil && ctx.Err() != nil:
		return ctx.Err()
	case err != nil:
		s.logger.Warn("could not count runs, estimating from pages", "error", err)
	case total > 0:
		s.estimated = total
	}

	for _, wf := range workflows {
		if err := s.syncWorkflow(ctx, wf); err != nil {
			return err
		}
	}

	if err := s.persist.FlushRuns(ctx); err != nil {
		return s.bufferErr(ctx, err)
	}
	if err := s.out.EmitPhaseComplete(ctx, PhaseListing, s.processed); err != nil {
		return errors.Wrap(err, "emit phase complete")
	}
	return nil
}

func (s *session) syncWorkflow(ctx context.Context, wf source.Workflow) error {
	res, err := s.walk(ctx, wf, true)
	if err != nil {
		return err
	}

	// A skip can jump over a hole in the stored history; the reported total
	// is the only way to notice.
	if res.skipped && s.c.config.VerifyCompleteness && res.total > 0 {
		if known := len(s.cache.WorkflowRuns(wf.ID)); known < res.total {
			s.logger.Info("workflow history incomplete, walking all pages",
				"workflow_id", wf.ID,
				"known", known,
				"remote_total", res.total)
			if _, err := s.walk(ctx, wf, false); err != nil {
				return err
			}
		}
	}

	// Content of skipped pages
	for _, run := range s.cache.WorkflowRuns(wf.ID) {
		if _, seen := s.emitted[run.ID]; seen {
			continue
		}
		if err := s.emitListing(ctx, run, true); err != nil {
			return err
		}
	}
	return nil
}

type walkResult struct {
	skipped bool
	total   int
}

// walk pages through one workflow. With allowSkip, pages inside the
// workflow's known date range trigger a jump; a jump that lands on a page
// with no known run backtracks to the page after the decision and finishes
// the workflow sequentially.
func (s *session) walk(ctx context.Context, wf source.Workflow, allowSkip bool) (walkResult, error) {
	res := walkResult{total: -1}
	perPage := s.c.config.PerPage
	page := 1

	landing := false
	resumeAt, lastSkip := 0, 0

	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		s.checkStorage()
		if s.cache.Degraded() {
			allowSkip = false
		}

		pg, err := s.c.source.ListRuns(ctx, source.PageRequest{
			Repo:       s.repo,
			Token:      s.token,
			WorkflowID: wf.ID,
			Page:       page,
			PerPage:    perPage,
		})
		if err != nil {
			return res, s.fail(ctx, PhaseListing, err)
		}
		s.summary.PagesFetched++
		s.summary.Malformed += pg.Malformed
		s.c.metrics.Page("fetched")
		if pg.TotalCount >= 0 {
			res.total = pg.TotalCount
		}

		if landing {
			landing = false
			if hasKnown, _ := s.cache.CheckPageHasKnown(pg.Records); !hasKnown {
				s.logger.Debug("skip overshot, backtracking",
					"workflow_id", wf.ID,
					"landed_on", page,
					"resume_at", resumeAt)
				s.summary.Backtracks++
				s.summary.PagesSkipped -= lastSkip
				s.c.metrics.Backtrack()
				page, allowSkip = resumeAt, false
				continue
			}
		}

		// Decided against the history stored by earlier syncs
		skip, skipCount := false, 0
		if allowSkip {
			skip, skipCount = s.cache.DecidePageSkip(wf.ID, pg.Records)
		}

		s.lastPageFull = pg.Raw >= perPage && pg.HasNext
		if err := s.processPage(ctx, pg.Records); err != nil {
			return res, err
		}

		if !pg.HasNext || pg.Raw == 0 {
			return res, nil
		}

		if skip {
			s.logger.Debug("skipping known pages",
				"workflow_id", wf.ID,
				"page", page,
				"skip_count", skipCount)
			res.skipped = true
			s.summary.PagesSkipped += skipCount
			for range skipCount {
				s.c.metrics.Page("skipped")
			}
			resumeAt, lastSkip, landing = page+1, skipCount, true
			page += 1 + skipCount
			continue
		}
		page++
	}
}

func (s *session) processPage(ctx context.Context, records []runs.RunRecord) error {
	for _, run := range records {
		if _, seen := s.emitted[run.ID]; seen {
			continue
		}

		if s.cache.ShouldSkipRun(run.ID) {
			cached, _ := s.cache.CachedRun(run.ID)
			if err := s.emitListing(ctx, cached, true); err != nil {
				return err
			}
			continue
		}

		s.cache.RecordRun(run)
		s.summary.NewRuns++
		if err := s.persist.BufferRun(ctx, run); err != nil {
			if err := s.bufferErr(ctx, err); err != nil {
				return err
			}
		}

		recorded, _ := s.cache.CachedRun(run.ID)
		if err := s.emitListing(ctx, recorded, false); err != nil {
			return err
		}
	}
	return nil
}

func (s *session) emitListing(ctx context.Context, run runs.RunRecord, cached bool) error {
	s.emitted[run.ID] = struct{}{}
	s.order = append(s.order, run.ID)
	s.processed++
	if cached {
		s.summary.CachedRuns++
		s.c.metrics.Run("cached")
	} else {
		s.c.metrics.Run("new")
	}

	err := s.out.EmitRun(ctx, RunEvent{
		Phase:          PhaseListing,
		Run:            run,
		Cached:         cached,
		Processed:      s.processed,
		EstimatedTotal: s.estimate(),
	})
	return errors.Wrap(err, "emit run")
}

func (s *session) estimate() int {
	if s.estimated > 0 {
		return max(s.estimated, s.processed)
	}
	if s.lastPageFull {
		return s.processed + s.c.config.PerPage
	}
	return s.processed
}

// =============================================================================
// Job phase
// =============================================================================

func (s *session) enrich(ctx context.Context) error {
	total := len(s.order)
	processed := 0

	for _, id := range s.order {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.checkStorage()

		run, _ := s.cache.CachedRun(id)
		cached := true
		if !s.cache.ShouldSkipJobs(id) {
			jobs, err := s.c.source.ListJobs(ctx, s.repo, s.token, id)
			switch {
			case err == nil:
				run, _ = s.cache.RecordJobs(id, jobs)
				cached = false
				s.summary.JobsFetched++
				s.c.metrics.JobFetch()
				if err := s.persist.BufferJobs(ctx, id, jobs); err != nil {
					if err := s.bufferErr(ctx, err); err != nil {
						return err
					}
				}
			case isNotFound(err) && ctx.Err() == nil:
				s.logger.Warn("jobs not found, leaving run without jobs", "run_id", id)
			default:
				return s.fail(ctx, PhaseJobs, err)
			}
		}

		processed++
		err := s.out.EmitRun(ctx, RunEvent{
			Phase:          PhaseJobs,
			Run:            run,
			Cached:         cached,
			Processed:      processed,
			EstimatedTotal: total,
		})
		if err != nil {
			return errors.Wrap(err, "emit run")
		}
	}

	if err := s.persist.FlushJobs(ctx); err != nil {
		return s.bufferErr(ctx, err)
	}
	if err := s.out.EmitPhaseComplete(ctx, PhaseJobs, processed); err != nil {
		return errors.Wrap(err, "emit phase complete")
	}
	return nil
}

// =============================================================================
// Failures
// =============================================================================

// fail turns a remote failure into the sync's terminal error. Cancellation
// is returned as is.
func (s *session) fail(ctx context.Context, stage Phase, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	s.logger.Error("sync failed", "stage", string(stage), "error", err)
	return stageError(stage, s.repo, err)
}

// bufferErr handles a failed hand-off to the persistence writer.
func (s *session) bufferErr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	s.storageFailure(runs.MarkStorage(err, "buffer write"))
	return nil
}

func (s *session) checkStorage() {
	if err := s.persist.Err(); err != nil {
		s.storageFailure(err)
	}
}

// storageFailure degrades the cache once per session. The failed batch is
// lost; the next session fetches it again.
func (s *session) storageFailure(err error) {
	if s.storageErr != nil {
		return
	}
	s.storageErr = err
	s.c.metrics.StorageError()
	s.cache.MarkDegraded(err)
}
