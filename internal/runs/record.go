// Package runs holds the workflow-run data model shared by the sync pipeline.
package runs

import (
	"strings"
	"time"
)

// Conclusions counted by the aggregator. Any other value only contributes
// to the total.
const (
	ConclusionSuccess   = "success"
	ConclusionFailure   = "failure"
	ConclusionCancelled = "cancelled"
)

// RunRecord is one workflow run as listed by the remote source.
//
// Jobs is nil until job details have been fetched. A non-nil empty slice
// means the run was enriched and has no jobs.
type RunRecord struct {
	ID           int64        `json:"id"`
	WorkflowID   int64        `json:"workflow_id"`
	WorkflowName string       `json:"workflow_name"`
	Repo         string       `json:"repo"`
	Branch       string       `json:"branch"`
	CommitSHA    string       `json:"commit_sha"`
	Status       string       `json:"status"`
	Conclusion   string       `json:"conclusion"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
	RunStartedAt time.Time    `json:"run_started_at,omitzero"`
	Duration     float64      `json:"duration"`
	Actor        string       `json:"actor"`
	Event        string       `json:"event"`
	RunAttempt   int          `json:"run_attempt,omitempty"`
	HTMLURL      string       `json:"html_url,omitempty"`
	Jobs         *[]JobRecord `json:"jobs,omitempty"`
}

// JobRecord is a single job of an enriched run.
type JobRecord struct {
	ID          int64     `json:"id,omitempty"`
	Name        string    `json:"name"`
	Status      string    `json:"status"`
	Conclusion  string    `json:"conclusion"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
	Duration    float64   `json:"duration"`
}

// HasJobs reports whether job details have been attached.
func (r RunRecord) HasJobs() bool {
	return r.Jobs != nil
}

// WithJobs returns a copy of r with jobs attached. The caller's slice is
// copied so later mutation does not leak into the record.
func (r RunRecord) WithJobs(jobs []JobRecord) RunRecord {
	attached := make([]JobRecord, len(jobs))
	copy(attached, jobs)
	r.Jobs = &attached
	return r
}

// JobList returns the attached jobs, or nil when absent.
func (r RunRecord) JobList() []JobRecord {
	if r.Jobs == nil {
		return nil
	}
	return *r.Jobs
}

// SplitRepo splits "owner/name" into its parts.
func SplitRepo(repo string) (owner, name string, ok bool) {
	owner, name, ok = strings.Cut(repo, "/")
	if !ok || owner == "" || name == "" || strings.Contains(name, "/") {
		return "", "", false
	}
	return owner, name, true
}

// DurationBetween returns the number of seconds from start to end, or 0 if
// either bound is missing or the interval is negative.
func DurationBetween(start, end time.Time) float64 {
	if start.IsZero() || end.IsZero() || end.Before(start) {
		return 0
	}
	return end.Sub(start).Seconds()
}
