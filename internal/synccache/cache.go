// Package synccache remembers what a repository's previous syncs already
// stored, and decides which listing pages can be skipped.
package synccache

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/livinlefevreloca/ghastats/internal/runs"
)

const (
	minSkip = 1
	maxSkip = 5
	// skip count used when the page covers a single instant
	degenerateSkip = 2
)

// Store loads the persisted state of a repository.
type Store interface {
	LoadRepoState(ctx context.Context, repo string) (*runs.RepoState, error)
}

// Cache is the per-repository memo of known runs. It is owned by exactly
// one collector at a time and is not safe for concurrent use.
type Cache struct {
	repo   string
	store  Store
	logger *slog.Logger

	loaded   bool
	degraded bool

	knownRunIDs  map[int64]struct{}
	runsWithJobs map[int64]struct{}
	dateRanges   map[int64]runs.WorkflowDateRange
	runByID      map[int64]runs.RunRecord

	// Ranges as loaded from the store. Skip decisions only trust history
	// stored by earlier sessions, never runs recorded in this one.
	loadedRanges map[int64]runs.WorkflowDateRange
}

// New creates an empty cache for repo. Call Load before use.
func New(repo string, store Store, logger *slog.Logger) *Cache {
	c := &Cache{
		repo:   repo,
		store:  store,
		logger: logger.With("repo", repo),
	}
	c.reset()
	return c
}

func (c *Cache) reset() {
	c.knownRunIDs = make(map[int64]struct{})
	c.runsWithJobs = make(map[int64]struct{})
	c.dateRanges = make(map[int64]runs.WorkflowDateRange)
	c.runByID = make(map[int64]runs.RunRecord)
	c.loadedRanges = make(map[int64]runs.WorkflowDateRange)
}

// Load hydrates the cache from the store. Only the first call does any
// work. A store failure is not returned: the cache stays empty and degrades
// to always-fetch for the rest of its life.
func (c *Cache) Load(ctx context.Context) error {
	if c.loaded {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	state, err := c.store.LoadRepoState(ctx, c.repo)
	c.loaded = true
	if err != nil {
		c.MarkDegraded(runs.MarkStorage(err, "load repo state"))
		return nil
	}

	for id, run := range state.Runs {
		c.knownRunIDs[id] = struct{}{}
		c.runByID[id] = run
		if run.HasJobs() {
			c.runsWithJobs[id] = struct{}{}
		}
	}
	for id, r := range state.Ranges {
		c.dateRanges[id] = r
		c.loadedRanges[id] = r
	}

	c.logger.Debug("sync cache loaded",
		"known_runs", len(c.knownRunIDs),
		"runs_with_jobs", len(c.runsWithJobs),
		"workflows", len(c.dateRanges))
	return nil
}

// MarkDegraded switches the cache to always-fetch. Everything learned so
// far is kept for re-emission but no longer used to skip work.
func (c *Cache) MarkDegraded(reason error) {
	if c.degraded {
		return
	}
	c.degraded = true
	c.logger.Warn("run store unavailable, fetching everything", "error", reason)
}

// Degraded reports whether the cache has fallen back to always-fetch.
func (c *Cache) Degraded() bool {
	return c.degraded
}

// ShouldSkipRun reports whether run id is already stored.
func (c *Cache) ShouldSkipRun(id int64) bool {
	if c.degraded {
		return false
	}
	_, ok := c.knownRunIDs[id]
	return ok
}

// ShouldSkipJobs reports whether the jobs of run id are already stored.
func (c *Cache) ShouldSkipJobs(id int64) bool {
	if c.degraded {
		return false
	}
	_, ok := c.runsWithJobs[id]
	return ok
}

// RecordRun upserts run and widens its workflow's date range. Jobs already
// known for the run are kept. The range used by DecidePageSkip is not
// widened.
func (c *Cache) RecordRun(run runs.RunRecord) {
	if existing, ok := c.runByID[run.ID]; ok && existing.HasJobs() && !run.HasJobs() {
		run = run.WithJobs(existing.JobList())
	}
	c.knownRunIDs[run.ID] = struct{}{}
	c.runByID[run.ID] = run
	if run.HasJobs() {
		c.runsWithJobs[run.ID] = struct{}{}
	}

	r, ok := c.dateRanges[run.WorkflowID]
	if !ok {
		r = runs.NewDateRange(run.WorkflowID, run.CreatedAt)
	}
	r.Widen(run.CreatedAt)
	c.dateRanges[run.WorkflowID] = r
}

// RecordJobs attaches jobs to a known run and returns the updated record.
func (c *Cache) RecordJobs(id int64, jobs []runs.JobRecord) (runs.RunRecord, bool) {
	run, ok := c.runByID[id]
	if !ok {
		return runs.RunRecord{}, false
	}
	run = run.WithJobs(jobs)
	c.runByID[id] = run
	c.runsWithJobs[id] = struct{}{}
	return run, true
}

// CachedRun returns the cached copy of run id.
func (c *Cache) CachedRun(id int64) (runs.RunRecord, bool) {
	run, ok := c.runByID[id]
	return run, ok
}

// DateRange returns the observed range of a workflow.
func (c *Cache) DateRange(workflowID int64) (runs.WorkflowDateRange, bool) {
	r, ok := c.dateRanges[workflowID]
	return r, ok
}

// WorkflowRuns returns the cached runs of one workflow, newest first.
func (c *Cache) WorkflowRuns(workflowID int64) []runs.RunRecord {
	var out []runs.RunRecord
	for _, run := range c.runByID {
		if run.WorkflowID == workflowID {
			out = append(out, run)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// DecidePageSkip decides whether a listing page lies entirely inside the
// workflow's history as stored by previous syncs. When it does, skipCount
// is how many further pages are likely covered as well.
func (c *Cache) DecidePageSkip(workflowID int64, page []runs.RunRecord) (skip bool, skipCount int) {
	if c.degraded || len(page) == 0 {
		return false, 0
	}
	cached, ok := c.loadedRanges[workflowID]
	if !ok {
		return false, 0
	}

	pageMin, pageMax := createdSpan(page)
	if !cached.Contains(pageMin, pageMax) {
		return false, 0
	}

	pageSpanDays := pageMax.Sub(pageMin).Hours() / 24
	if pageSpanDays <= 0 {
		return true, degenerateSkip
	}

	n := int(math.Floor((cached.SpanDays() / pageSpanDays) / 2))
	return true, min(max(n, minSkip), maxSkip)
}

// CheckPageHasKnown reports whether any run of page is known, and how many.
func (c *Cache) CheckPageHasKnown(page []runs.RunRecord) (bool, int) {
	known := 0
	for _, run := range page {
		if _, ok := c.knownRunIDs[run.ID]; ok {
			known++
		}
	}
	return known > 0, known
}

// Stats summarises the cache contents.
type Stats struct {
	KnownRuns    int  `json:"known_runs"`
	RunsWithJobs int  `json:"runs_with_jobs"`
	Workflows    int  `json:"workflows"`
	Degraded     bool `json:"degraded"`
}

func (c *Cache) Stats() Stats {
	return Stats{
		KnownRuns:    len(c.knownRunIDs),
		RunsWithJobs: len(c.runsWithJobs),
		Workflows:    len(c.dateRanges),
		Degraded:     c.degraded,
	}
}

func createdSpan(page []runs.RunRecord) (lo, hi time.Time) {
	lo, hi = page[0].CreatedAt, page[0].CreatedAt
	for _, run := range page[1:] {
		if run.CreatedAt.Before(lo) {
			lo = run.CreatedAt
		}
		if run.CreatedAt.After(hi) {
			hi = run.CreatedAt
		}
	}
	return lo, hi
}
