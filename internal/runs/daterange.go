package runs

import "time"

// WorkflowDateRange is the span of created_at values observed for one
// workflow. It only ever widens.
type WorkflowDateRange struct {
	WorkflowID int64     `json:"workflow_id"`
	Earliest   time.Time `json:"earliest"`
	Latest     time.Time `json:"latest"`
}

// NewDateRange returns a range covering exactly t.
func NewDateRange(workflowID int64, t time.Time) WorkflowDateRange {
	return WorkflowDateRange{WorkflowID: workflowID, Earliest: t, Latest: t}
}

// Widen extends the range to include t and reports whether it changed.
func (d *WorkflowDateRange) Widen(t time.Time) bool {
	changed := false
	if d.Earliest.IsZero() || t.Before(d.Earliest) {
		d.Earliest = t
		changed = true
	}
	if d.Latest.IsZero() || t.After(d.Latest) {
		d.Latest = t
		changed = true
	}
	return changed
}

// Merge widens d by every bound of other.
func (d *WorkflowDateRange) Merge(other WorkflowDateRange) {
	if !other.Earliest.IsZero() {
		d.Widen(other.Earliest)
	}
	if !other.Latest.IsZero() {
		d.Widen(other.Latest)
	}
}

// Contains reports whether [min, max] lies entirely inside the range.
func (d WorkflowDateRange) Contains(min, max time.Time) bool {
	return !min.Before(d.Earliest) && !max.After(d.Latest)
}

// SpanDays is the fractional number of days covered.
func (d WorkflowDateRange) SpanDays() float64 {
	return d.Latest.Sub(d.Earliest).Hours() / 24
}

// RepoState is everything persisted for one repository, as loaded at the
// start of a sync session.
type RepoState struct {
	Repo   string
	Runs   map[int64]RunRecord
	Ranges map[int64]WorkflowDateRange
}

// NewRepoState returns an empty state for repo.
func NewRepoState(repo string) *RepoState {
	return &RepoState{
		Repo:   repo,
		Runs:   make(map[int64]RunRecord),
		Ranges: make(map[int64]WorkflowDateRange),
	}
}
