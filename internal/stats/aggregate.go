package stats

import (
	"math"
	"slices"
	"sort"

	"github.com/cockroachdb/errors"
	"github.com/livinlefevreloca/ghastats/internal/runs"
)

// StatusCounts tallies run conclusions. Rates are percentages of Total.
type StatusCounts struct {
	Total       int     `json:"total"`
	Success     int     `json:"success"`
	Failure     int     `json:"failure"`
	Cancelled   int     `json:"cancelled"`
	SuccessRate float64 `json:"success_rate"`
	FailureRate float64 `json:"failure_rate"`
}

// TimeStats summarises run durations, in seconds.
type TimeStats struct {
	Min     float64 `json:"min"`
	Q1      float64 `json:"q1"`
	Median  float64 `json:"median"`
	Q3      float64 `json:"q3"`
	Max     float64 `json:"max"`
	Average float64 `json:"average"`
}

// AggregationResult is the statistics of one period.
type AggregationResult struct {
	RepoName      string       `json:"repo"`
	WorkflowNames []string     `json:"workflow_names"`
	Branches      []string     `json:"branches"`
	Authors       []string     `json:"authors"`
	Period        Period       `json:"period"`
	StatusCounts  StatusCounts `json:"status_counts"`
	TimeStats     TimeStats    `json:"time_stats"`
}

// Aggregate computes the statistics of a non-empty group. Calling it with
// no records is a programming error and panics.
func Aggregate(repo string, records []runs.RunRecord, period Period) AggregationResult {
	if len(records) == 0 {
		panic(errors.AssertionFailedf("aggregate called with an empty group for %s period starting %s",
			period.Kind, period.Start.Format("2006-01-02")))
	}

	workflows := make(map[string]struct{})
	branches := make(map[string]struct{})
	authors := make(map[string]struct{})
	durations := make([]float64, 0, len(records))
	counts := StatusCounts{Total: len(records)}

	for _, run := range records {
		switch run.Conclusion {
		case runs.ConclusionSuccess:
			counts.Success++
		case runs.ConclusionFailure:
			counts.Failure++
		case runs.ConclusionCancelled:
			counts.Cancelled++
		}
		addNonEmpty(workflows, run.WorkflowName)
		addNonEmpty(branches, run.Branch)
		addNonEmpty(authors, run.Actor)
		durations = append(durations, run.Duration)
	}
	counts.SuccessRate = float64(counts.Success) / float64(counts.Total) * 100
	counts.FailureRate = float64(counts.Failure) / float64(counts.Total) * 100

	return AggregationResult{
		RepoName:      repo,
		WorkflowNames: sortedKeys(workflows),
		Branches:      sortedKeys(branches),
		Authors:       sortedKeys(authors),
		Period:        period,
		StatusCounts:  counts,
		TimeStats:     computeTimeStats(durations),
	}
}

func computeTimeStats(durations []float64) TimeStats {
	sorted := slices.Clone(durations)
	slices.Sort(sorted)

	sum := 0.0
	for _, d := range sorted {
		sum += d
	}

	return TimeStats{
		Min:     sorted[0],
		Q1:      quantile(sorted, 0.25),
		Median:  quantile(sorted, 0.5),
		Q3:      quantile(sorted, 0.75),
		Max:     sorted[len(sorted)-1],
		Average: sum / float64(len(sorted)),
	}
}

// quantile picks sorted[floor(n*p)], or averages sorted[n*p-1] and
// sorted[n*p] when n*p is a whole number.
func quantile(sorted []float64, p float64) float64 {
	idx := float64(len(sorted)) * p
	whole, frac := math.Modf(idx)
	i := int(whole)
	if frac != 0 {
		return sorted[i]
	}
	return (sorted[i-1] + sorted[i]) / 2
}

func addNonEmpty(set map[string]struct{}, v string) {
	if v != "" {
		set[v] = struct{}{}
	}
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// SortChronologically orders records by creation time, oldest first. Runs
// created at the same instant are ordered by id.
func SortChronologically(records []runs.RunRecord) {
	slices.SortStableFunc(records, func(a, b runs.RunRecord) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
}
