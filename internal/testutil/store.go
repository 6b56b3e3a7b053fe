package testutil

import (
	"context"
	"sync"

	"github.com/livinlefevreloca/ghastats/internal/runs"
)

// MemStore is an in-memory Run Store with failure injection.
type MemStore struct {
	mu     sync.Mutex
	states map[string]*runs.RepoState

	loadErr  error
	writeErr error

	runWrites int
	jobWrites int
}

func NewMemStore() *MemStore {
	return &MemStore{states: make(map[string]*runs.RepoState)}
}

// SetLoadError makes LoadRepoState fail with err.
func (m *MemStore) SetLoadError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loadErr = err
}

// SetWriteError makes SaveRuns and SaveJobs fail with err.
func (m *MemStore) SetWriteError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeErr = err
}

func (m *MemStore) state(repo string) *runs.RepoState {
	s, ok := m.states[repo]
	if !ok {
		s = runs.NewRepoState(repo)
		m.states[repo] = s
	}
	return s
}

func (m *MemStore) LoadRepoState(ctx context.Context, repo string) (*runs.RepoState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loadErr != nil {
		return nil, m.loadErr
	}

	src := m.state(repo)
	out := runs.NewRepoState(repo)
	for id, r := range src.Runs {
		out.Runs[id] = r
	}
	for id, r := range src.Ranges {
		out.Ranges[id] = r
	}
	return out, nil
}

func (m *MemStore) SaveRuns(ctx context.Context, repo string, batch []runs.RunRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writeErr != nil {
		return m.writeErr
	}

	s := m.state(repo)
	for _, run := range batch {
		if existing, ok := s.Runs[run.ID]; ok && existing.HasJobs() {
			run = run.WithJobs(existing.JobList())
		} else {
			run.Jobs = nil
		}
		s.Runs[run.ID] = run

		r, ok := s.Ranges[run.WorkflowID]
		if !ok {
			r = runs.NewDateRange(run.WorkflowID, run.CreatedAt)
		}
		r.Widen(run.CreatedAt)
		s.Ranges[run.WorkflowID] = r
	}
	m.runWrites++
	return nil
}

func (m *MemStore) SaveJobs(ctx context.Context, repo string, jobs map[int64][]runs.JobRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writeErr != nil {
		return m.writeErr
	}

	s := m.state(repo)
	for id, list := range jobs {
		if run, ok := s.Runs[id]; ok {
			s.Runs[id] = run.WithJobs(list)
		}
	}
	m.jobWrites++
	return nil
}

// Put seeds a repository's state directly.
func (m *MemStore) Put(state *runs.RepoState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[state.Repo] = state
}

// RunCount returns how many runs are stored for repo.
func (m *MemStore) RunCount(repo string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.state(repo).Runs)
}

// Run returns one stored run.
func (m *MemStore) Run(repo string, id int64) (runs.RunRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.state(repo).Runs[id]
	return r, ok
}

// Writes returns how many run and job batches were written.
func (m *MemStore) Writes() (runBatches, jobBatches int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runWrites, m.jobWrites
}
