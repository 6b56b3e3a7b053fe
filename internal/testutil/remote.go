package testutil

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/livinlefevreloca/ghastats/internal/runs"
	"github.com/livinlefevreloca/ghastats/internal/source"
)

// FakeRemote is an in-memory paginated run source. Runs of each workflow are
// served newest first, as the real API does.
type FakeRemote struct {
	mu        sync.Mutex
	repo      string
	workflows []source.Workflow
	runs      map[int64][]runs.RunRecord
	jobs      map[int64][]runs.JobRecord
	nextID    int64

	pageRequests map[int64][]int
	jobFetches   map[int64]int

	// ReportTotals controls whether pages and CountRuns report totals.
	ReportTotals bool
	// ListErr, when set, is consulted before serving each page.
	ListErr func(req source.PageRequest) error
	// JobsErr, when set, is consulted before serving each job fetch.
	JobsErr func(runID int64) error
	// OnPage, when set, is called after each served page.
	OnPage func(req source.PageRequest)
}

func NewFakeRemote(repo string) *FakeRemote {
	return &FakeRemote{
		repo:         repo,
		runs:         make(map[int64][]runs.RunRecord),
		jobs:         make(map[int64][]runs.JobRecord),
		nextID:       1,
		pageRequests: make(map[int64][]int),
		jobFetches:   make(map[int64]int),
		ReportTotals: true,
	}
}

// AddWorkflow registers a workflow.
func (f *FakeRemote) AddWorkflow(id int64, name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.workflows = append(f.workflows, source.Workflow{ID: id, Name: name, State: "active"})
}

// AddRun inserts a run, assigning an id when it has none.
func (f *FakeRemote) AddRun(run runs.RunRecord) runs.RunRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.addRunLocked(run)
}

func (f *FakeRemote) addRunLocked(run runs.RunRecord) runs.RunRecord {
	if run.ID == 0 {
		run.ID = f.nextID
	}
	if run.ID >= f.nextID {
		f.nextID = run.ID + 1
	}
	run.Repo = f.repo
	run.Jobs = nil

	list := append(f.runs[run.WorkflowID], run)
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].ID > list[j].ID
		}
		return list[i].CreatedAt.After(list[j].CreatedAt)
	})
	f.runs[run.WorkflowID] = list

	f.jobs[run.ID] = []runs.JobRecord{{
		ID:          run.ID * 10,
		Name:        "build",
		Status:      "completed",
		Conclusion:  run.Conclusion,
		StartedAt:   run.CreatedAt,
		CompletedAt: run.UpdatedAt,
		Duration:    run.Duration,
	}}
	return run
}

// Generate appends n runs spread round-robin over the registered workflows,
// one every step starting at start. It returns the created runs.
func (f *FakeRemote) Generate(n int, start time.Time, step time.Duration) []runs.RunRecord {
	f.mu.Lock()
	defer f.mu.Unlock()

	conclusions := []string{runs.ConclusionSuccess, runs.ConclusionFailure, runs.ConclusionSuccess, runs.ConclusionCancelled}
	created := make([]runs.RunRecord, 0, n)
	for i := 0; i < n; i++ {
		wf := f.workflows[i%len(f.workflows)]
		at := start.Add(time.Duration(i) * step)
		duration := float64(60 + i%30)
		created = append(created, f.addRunLocked(runs.RunRecord{
			WorkflowID:   wf.ID,
			WorkflowName: wf.Name,
			Branch:       "main",
			CommitSHA:    "deadbeef",
			Status:       "completed",
			Conclusion:   conclusions[i%len(conclusions)],
			CreatedAt:    at,
			UpdatedAt:    at.Add(time.Duration(duration) * time.Second),
			Duration:     duration,
			Actor:        "octocat",
			Event:        "push",
		}))
	}
	return created
}

// ListWorkflows implements the collector's run source.
func (f *FakeRemote) ListWorkflows(ctx context.Context, repo, token string) ([]source.Workflow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]source.Workflow, len(f.workflows))
	copy(out, f.workflows)
	return out, nil
}

// ListRuns implements the collector's run source.
func (f *FakeRemote) ListRuns(ctx context.Context, req source.PageRequest) (*source.Page, error) {
	if f.ListErr != nil {
		if err := f.ListErr(req); err != nil {
			return nil, err
		}
	}

	f.mu.Lock()
	f.pageRequests[req.WorkflowID] = append(f.pageRequests[req.WorkflowID], req.Page)
	all := f.runs[req.WorkflowID]
	start := (req.Page - 1) * req.PerPage
	end := start + req.PerPage
	if start > len(all) {
		start = len(all)
	}
	if end > len(all) {
		end = len(all)
	}
	records := make([]runs.RunRecord, end-start)
	copy(records, all[start:end])
	page := &source.Page{
		Records:            records,
		TotalCount:         -1,
		RateLimitRemaining: 5000,
		HasNext:            end < len(all),
		Raw:                len(records),
	}
	if f.ReportTotals {
		page.TotalCount = len(all)
	}
	f.mu.Unlock()

	if f.OnPage != nil {
		f.OnPage(req)
	}
	return page, nil
}

// ListJobs implements the collector's run source.
func (f *FakeRemote) ListJobs(ctx context.Context, repo, token string, runID int64) ([]runs.JobRecord, error) {
	if f.JobsErr != nil {
		if err := f.JobsErr(runID); err != nil {
			return nil, err
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobFetches[runID]++
	jobs, ok := f.jobs[runID]
	if !ok {
		return nil, errors.Mark(errors.Newf("run %d not found", runID), source.ErrNotFound)
	}
	out := make([]runs.JobRecord, len(jobs))
	copy(out, jobs)
	return out, nil
}

// CountRuns implements the collector's run source.
func (f *FakeRemote) CountRuns(ctx context.Context, repo, token string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.ReportTotals {
		return -1, nil
	}
	return f.totalLocked(), nil
}

func (f *FakeRemote) totalLocked() int {
	total := 0
	for _, list := range f.runs {
		total += len(list)
	}
	return total
}

// RunIDs returns the ids of every run on the remote.
func (f *FakeRemote) RunIDs() map[int64]bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make(map[int64]bool)
	for _, list := range f.runs {
		for _, r := range list {
			ids[r.ID] = true
		}
	}
	return ids
}

// Runs returns a copy of one workflow's runs, newest first.
func (f *FakeRemote) Runs(workflowID int64) []runs.RunRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]runs.RunRecord, len(f.runs[workflowID]))
	copy(out, f.runs[workflowID])
	return out
}

// PageRequests returns the pages requested for a workflow, in order.
func (f *FakeRemote) PageRequests(workflowID int64) []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]int, len(f.pageRequests[workflowID]))
	copy(out, f.pageRequests[workflowID])
	return out
}

// JobFetches returns how often jobs were fetched per run.
func (f *FakeRemote) JobFetches() map[int64]int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[int64]int, len(f.jobFetches))
	for k, v := range f.jobFetches {
		out[k] = v
	}
	return out
}

// ResetCounters clears request bookkeeping between syncs.
func (f *FakeRemote) ResetCounters() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pageRequests = make(map[int64][]int)
	f.jobFetches = make(map[int64]int)
}
