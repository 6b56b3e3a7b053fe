package runs

import (
	"testing"
	"time"
)

// =============================================================================
// RunRecord
// =============================================================================

// TestWithJobs_CopiesSlice verifies attached jobs are isolated from the caller
func TestWithJobs_CopiesSlice(t *testing.T) {
	run := RunRecord{ID: 1}
	if run.HasJobs() {
		t.Fatal("new record should not have jobs")
	}

	jobs := []JobRecord{{Name: "build"}}
	enriched := run.WithJobs(jobs)
	jobs[0].Name = "mutated"

	if !enriched.HasJobs() {
		t.Fatal("expected jobs to be attached")
	}
	if got := enriched.JobList()[0].Name; got != "build" {
		t.Errorf("expected job name build, got %s", got)
	}
	if run.HasJobs() {
		t.Error("original record must not be modified")
	}
}

// TestWithJobs_EmptyIsPresent verifies an empty job list still counts as enriched
func TestWithJobs_EmptyIsPresent(t *testing.T) {
	enriched := RunRecord{ID: 1}.WithJobs(nil)
	if !enriched.HasJobs() {
		t.Error("empty job list should count as attached")
	}
	if len(enriched.JobList()) != 0 {
		t.Errorf("expected no jobs, got %d", len(enriched.JobList()))
	}
}

// TestSplitRepo verifies owner/name parsing
func TestSplitRepo(t *testing.T) {
	tests := []struct {
		in    string
		owner string
		name  string
		ok    bool
	}{
		{"octo/hello", "octo", "hello", true},
		{"octo", "", "", false},
		{"/hello", "", "", false},
		{"octo/", "", "", false},
		{"a/b/c", "", "", false},
	}

	for _, tt := range tests {
		owner, name, ok := SplitRepo(tt.in)
		if owner != tt.owner || name != tt.name || ok != tt.ok {
			t.Errorf("SplitRepo(%q) = (%q, %q, %v), want (%q, %q, %v)",
				tt.in, owner, name, ok, tt.owner, tt.name, tt.ok)
		}
	}
}

// TestDurationBetween verifies missing or inverted bounds yield zero
func TestDurationBetween(t *testing.T) {
	start := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)

	if got := DurationBetween(start, start.Add(90*time.Second)); got != 90 {
		t.Errorf("expected 90, got %v", got)
	}
	if got := DurationBetween(time.Time{}, start); got != 0 {
		t.Errorf("expected 0 for missing start, got %v", got)
	}
	if got := DurationBetween(start, start.Add(-time.Second)); got != 0 {
		t.Errorf("expected 0 for inverted interval, got %v", got)
	}
}

// =============================================================================
// WorkflowDateRange
// =============================================================================

// TestWiden_NeverNarrows verifies the range only grows
func TestWiden_NeverNarrows(t *testing.T) {
	day := func(d int) time.Time { return time.Date(2025, 3, d, 0, 0, 0, 0, time.UTC) }

	r := NewDateRange(7, day(10))
	if !r.Widen(day(20)) {
		t.Error("widening to a later date should report a change")
	}
	if r.Widen(day(15)) {
		t.Error("a date inside the range should not change it")
	}
	if !r.Widen(day(5)) {
		t.Error("widening to an earlier date should report a change")
	}

	if !r.Earliest.Equal(day(5)) || !r.Latest.Equal(day(20)) {
		t.Errorf("unexpected range [%v, %v]", r.Earliest, r.Latest)
	}
}

// TestContains verifies inclusive containment
func TestContains(t *testing.T) {
	day := func(d int) time.Time { return time.Date(2025, 3, d, 0, 0, 0, 0, time.UTC) }
	r := WorkflowDateRange{WorkflowID: 1, Earliest: day(10), Latest: day(20)}

	if !r.Contains(day(10), day(20)) {
		t.Error("range should contain its own bounds")
	}
	if !r.Contains(day(12), day(18)) {
		t.Error("range should contain inner span")
	}
	if r.Contains(day(9), day(18)) {
		t.Error("range should not contain span starting earlier")
	}
	if r.Contains(day(12), day(25)) {
		t.Error("range should not contain span ending later")
	}
	if got := r.SpanDays(); got != 10 {
		t.Errorf("expected span of 10 days, got %v", got)
	}
}

// TestMerge verifies merging two ranges yields their union
func TestMerge(t *testing.T) {
	day := func(d int) time.Time { return time.Date(2025, 3, d, 0, 0, 0, 0, time.UTC) }
	r := WorkflowDateRange{WorkflowID: 1, Earliest: day(10), Latest: day(20)}
	r.Merge(WorkflowDateRange{WorkflowID: 1, Earliest: day(3), Latest: day(12)})

	if !r.Earliest.Equal(day(3)) || !r.Latest.Equal(day(20)) {
		t.Errorf("unexpected merged range [%v, %v]", r.Earliest, r.Latest)
	}
}
