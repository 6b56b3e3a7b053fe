package source

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/livinlefevreloca/ghastats/internal/runs"
)

// Workflow is one workflow definition of a repository.
type Workflow struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Path  string `json:"path"`
	State string `json:"state"`
}

// PageRequest addresses one listing page of a workflow's runs.
type PageRequest struct {
	Repo       string
	Token      string
	WorkflowID int64
	Page       int
	PerPage    int
}

// Page is one decoded listing page, newest run first.
type Page struct {
	Records []runs.RunRecord
	// TotalCount is the number of runs the remote reports for the workflow,
	// or -1 when not reported.
	TotalCount         int
	RateLimitRemaining int
	RateLimitReset     time.Time
	HasNext            bool
	// Malformed counts records dropped while decoding.
	Malformed int
	// Raw is the number of records the remote returned, malformed included.
	Raw int
}

type wireActor struct {
	Login string `json:"login"`
}

type wireRun struct {
	ID           int64      `json:"id"`
	Name         string     `json:"name"`
	WorkflowID   int64      `json:"workflow_id"`
	HeadBranch   string     `json:"head_branch"`
	HeadSHA      string     `json:"head_sha"`
	Status       string     `json:"status"`
	Conclusion   *string    `json:"conclusion"`
	Event        string     `json:"event"`
	RunAttempt   int        `json:"run_attempt"`
	HTMLURL      string     `json:"html_url"`
	CreatedAt    string     `json:"created_at"`
	UpdatedAt    string     `json:"updated_at"`
	RunStartedAt string     `json:"run_started_at"`
	Actor        *wireActor `json:"actor"`
}

type wireRunsPage struct {
	TotalCount   *int              `json:"total_count"`
	WorkflowRuns []json.RawMessage `json:"workflow_runs"`
}

type wireWorkflowsPage struct {
	TotalCount int        `json:"total_count"`
	Workflows  []Workflow `json:"workflows"`
}

type wireJob struct {
	ID          int64   `json:"id"`
	Name        string  `json:"name"`
	Status      string  `json:"status"`
	Conclusion  *string `json:"conclusion"`
	StartedAt   string  `json:"started_at"`
	CompletedAt *string `json:"completed_at"`
}

type wireJobsPage struct {
	TotalCount int       `json:"total_count"`
	Jobs       []wireJob `json:"jobs"`
}

// decodeRun turns one raw listing entry into a RunRecord. Any entry without
// an id or a parsable created_at is malformed.
func decodeRun(raw json.RawMessage, repo string, fallbackWorkflow int64) (runs.RunRecord, error) {
	var w wireRun
	if err := json.Unmarshal(raw, &w); err != nil {
		return runs.RunRecord{}, errors.Mark(errors.Wrap(err, "decode run"), runs.ErrMalformedRecord)
	}
	if w.ID == 0 {
		return runs.RunRecord{}, errors.Mark(errors.New("run without id"), runs.ErrMalformedRecord)
	}

	created, err := parseTimestamp(w.CreatedAt)
	if err != nil || created.IsZero() {
		return runs.RunRecord{}, errors.Mark(
			errors.Newf("run %d has invalid created_at %q", w.ID, w.CreatedAt),
			runs.ErrMalformedRecord,
		)
	}
	updated, _ := parseTimestamp(w.UpdatedAt)
	if updated.Before(created) {
		updated = created
	}
	started, _ := parseTimestamp(w.RunStartedAt)

	record := runs.RunRecord{
		ID:           w.ID,
		WorkflowID:   w.WorkflowID,
		WorkflowName: w.Name,
		Repo:         repo,
		Branch:       w.HeadBranch,
		CommitSHA:    w.HeadSHA,
		Status:       w.Status,
		Conclusion:   deref(w.Conclusion),
		CreatedAt:    created,
		UpdatedAt:    updated,
		RunStartedAt: started,
		Event:        w.Event,
		RunAttempt:   w.RunAttempt,
		HTMLURL:      w.HTMLURL,
	}
	if record.WorkflowID == 0 {
		record.WorkflowID = fallbackWorkflow
	}
	if w.Actor != nil {
		record.Actor = w.Actor.Login
	}

	start := started
	if start.IsZero() {
		start = created
	}
	record.Duration = runs.DurationBetween(start, updated)

	return record, nil
}

func decodeJob(w wireJob) runs.JobRecord {
	started, _ := parseTimestamp(w.StartedAt)
	completed, _ := parseTimestamp(deref(w.CompletedAt))
	return runs.JobRecord{
		ID:          w.ID,
		Name:        w.Name,
		Status:      w.Status,
		Conclusion:  deref(w.Conclusion),
		StartedAt:   started,
		CompletedAt: completed,
		Duration:    runs.DurationBetween(started, completed),
	}
}

func parseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
