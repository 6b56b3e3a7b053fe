package collector

import (
	"context"
	"sync"

	"github.com/livinlefevreloca/ghastats/internal/runs"
)

// Phase names a stage of a sync session.
type Phase string

const (
	PhaseListing Phase = "listing"
	PhaseJobs    Phase = "jobs"
)

func (p Phase) verb() string {
	switch p {
	case PhaseListing:
		return "listing runs for"
	case PhaseJobs:
		return "fetching jobs for"
	default:
		return string(p) + " for"
	}
}

// RunEvent is one record emitted by a sync.
type RunEvent struct {
	Phase Phase
	Run   runs.RunRecord
	// Cached is true when the record was served from the sync cache
	// instead of the remote.
	Cached         bool
	Processed      int
	EstimatedTotal int
}

// Emitter receives the records of a sync as they are produced. Returning
// an error aborts the sync.
type Emitter interface {
	EmitRun(ctx context.Context, ev RunEvent) error
	EmitPhaseComplete(ctx context.Context, phase Phase, count int) error
}

// EmitterFuncs adapts plain functions to an Emitter. Nil funcs are no-ops.
type EmitterFuncs struct {
	Run           func(ctx context.Context, ev RunEvent) error
	PhaseComplete func(ctx context.Context, phase Phase, count int) error
}

func (f EmitterFuncs) EmitRun(ctx context.Context, ev RunEvent) error {
	if f.Run == nil {
		return nil
	}
	return f.Run(ctx, ev)
}

func (f EmitterFuncs) EmitPhaseComplete(ctx context.Context, phase Phase, count int) error {
	if f.PhaseComplete == nil {
		return nil
	}
	return f.PhaseComplete(ctx, phase, count)
}

// Recorder is an Emitter that keeps everything it receives.
type Recorder struct {
	mu     sync.Mutex
	events []RunEvent
	phases map[Phase]int
}

func NewRecorder() *Recorder {
	return &Recorder{phases: make(map[Phase]int)}
}

func (r *Recorder) EmitRun(_ context.Context, ev RunEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *Recorder) EmitPhaseComplete(_ context.Context, phase Phase, count int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.phases[phase] = count
	return nil
}

// Events returns the recorded events of one phase, in emission order.
func (r *Recorder) Events(phase Phase) []RunEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []RunEvent
	for _, ev := range r.events {
		if ev.Phase == phase {
			out = append(out, ev)
		}
	}
	return out
}

// Records returns the final version of every run: the job phase copy when
// there is one, the listing copy otherwise.
func (r *Recorder) Records() []runs.RunRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	index := make(map[int64]int)
	var out []runs.RunRecord
	for _, ev := range r.events {
		if i, ok := index[ev.Run.ID]; ok {
			out[i] = ev.Run
			continue
		}
		index[ev.Run.ID] = len(out)
		out = append(out, ev.Run)
	}
	return out
}

// PhaseCount returns the count reported when phase completed, and whether
// it completed.
func (r *Recorder) PhaseCount(phase Phase) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.phases[phase]
	return n, ok
}

// Collect runs one sync and gathers its output.
func Collect(ctx context.Context, c *Collector, repo, token string) ([]runs.RunRecord, *Summary, error) {
	rec := NewRecorder()
	summary, err := c.Sync(ctx, repo, token, rec)
	return rec.Records(), summary, err
}
