package syncer

import (
	"context"

	"github.com/livinlefevreloca/ghastats/internal/runs"
)

// Writer is the Run Store side the syncer persists to.
type Writer interface {
	SaveRuns(ctx context.Context, repo string, batch []runs.RunRecord) error
	SaveJobs(ctx context.Context, repo string, jobs map[int64][]runs.JobRecord) error
}

// batch is one unit of work for the writer goroutine. Exactly one of the
// fields is set.
type batch struct {
	runs []runs.RunRecord
	jobs map[int64][]runs.JobRecord
}

func (b batch) size() int {
	if b.runs != nil {
		return len(b.runs)
	}
	return len(b.jobs)
}

func (b batch) kind() string {
	if b.runs != nil {
		return "runs"
	}
	return "jobs"
}

// Stats provides current syncer statistics
type Stats struct {
	BufferedRuns   int
	BufferedJobs   int
	BatchesWritten int64
	BatchesFailed  int64
	RunsWritten    int64
	JobsWritten    int64
}
