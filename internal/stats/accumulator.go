package stats

import (
	"github.com/livinlefevreloca/ghastats/internal/runs"
)

// Accumulator is the push form of SeparateIntoPeriods followed by
// Aggregate. Records must arrive with same-period records adjacent.
type Accumulator struct {
	repo    string
	kind    PeriodKind
	current Group
}

func NewAccumulator(repo string, kind PeriodKind) *Accumulator {
	return &Accumulator{repo: repo, kind: kind}
}

// Add appends a record and returns the result of the period it closed, if
// any.
func (acc *Accumulator) Add(run runs.RunRecord) []AggregationResult {
	if len(acc.current.Records) > 0 && acc.current.Period.Contains(run.CreatedAt) {
		acc.current.Records = append(acc.current.Records, run)
		return nil
	}

	var out []AggregationResult
	if len(acc.current.Records) > 0 {
		out = append(out, Aggregate(acc.repo, acc.current.Records, acc.current.Period))
	}
	acc.current = Group{
		Period:  PeriodBounds(run.CreatedAt, acc.kind),
		Records: []runs.RunRecord{run},
	}
	return out
}

// AddAll adds records in order and returns every period they closed.
func (acc *Accumulator) AddAll(records []runs.RunRecord) []AggregationResult {
	var out []AggregationResult
	for _, run := range records {
		out = append(out, acc.Add(run)...)
	}
	return out
}

// Close returns the result of the open period, if any, and resets the
// accumulator.
func (acc *Accumulator) Close() []AggregationResult {
	if len(acc.current.Records) == 0 {
		return nil
	}
	result := Aggregate(acc.repo, acc.current.Records, acc.current.Period)
	acc.current = Group{}
	return []AggregationResult{result}
}

// Pending returns how many records the open period holds.
func (acc *Accumulator) Pending() int {
	return len(acc.current.Records)
}
