// Package stats buckets run records into calendar periods and computes
// status and duration statistics per period.
package stats

import (
	"iter"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/livinlefevreloca/ghastats/internal/runs"
)

// PeriodKind is the calendar unit results are grouped by.
type PeriodKind string

const (
	Day   PeriodKind = "day"
	Week  PeriodKind = "week"
	Month PeriodKind = "month"
)

// ParsePeriodKind parses "day", "week" or "month", case-insensitively.
func ParsePeriodKind(s string) (PeriodKind, error) {
	switch k := PeriodKind(strings.ToLower(strings.TrimSpace(s))); k {
	case Day, Week, Month:
		return k, nil
	default:
		return "", errors.Newf("unknown period %q, expected day, week or month", s)
	}
}

// Period is a half-open calendar interval [Start, End).
type Period struct {
	Kind  PeriodKind `json:"kind"`
	Start time.Time  `json:"start"`
	End   time.Time  `json:"end"`
}

// Contains reports whether t falls inside the period.
func (p Period) Contains(t time.Time) bool {
	return !t.Before(p.Start) && t.Before(p.End)
}

// PeriodBounds returns the period of kind containing t, in t's location.
// Weeks are ISO-8601 weeks starting on Monday, so a week can start in the
// previous year or end in the next.
func PeriodBounds(t time.Time, kind PeriodKind) Period {
	y, m, d := t.Date()
	midnight := time.Date(y, m, d, 0, 0, 0, 0, t.Location())

	switch kind {
	case Week:
		offset := (int(midnight.Weekday()) + 6) % 7
		start := midnight.AddDate(0, 0, -offset)
		return Period{Kind: kind, Start: start, End: start.AddDate(0, 0, 7)}
	case Month:
		start := time.Date(y, m, 1, 0, 0, 0, 0, t.Location())
		return Period{Kind: kind, Start: start, End: start.AddDate(0, 1, 0)}
	default:
		return Period{Kind: Day, Start: midnight, End: midnight.AddDate(0, 0, 1)}
	}
}

// Group is a run of consecutive records sharing one period.
type Group struct {
	Period  Period
	Records []runs.RunRecord
}

// SeparateIntoPeriods groups a stream of records into periods. Records of
// the same period must be adjacent in seq; a period that reappears later
// starts a new group. The returned sequence is single-pass.
func SeparateIntoPeriods(seq iter.Seq[runs.RunRecord], kind PeriodKind) iter.Seq[Group] {
	return func(yield func(Group) bool) {
		var current Group
		for run := range seq {
			if len(current.Records) > 0 && current.Period.Contains(run.CreatedAt) {
				current.Records = append(current.Records, run)
				continue
			}
			if len(current.Records) > 0 && !yield(current) {
				return
			}
			current = Group{
				Period:  PeriodBounds(run.CreatedAt, kind),
				Records: []runs.RunRecord{run},
			}
		}
		if len(current.Records) > 0 {
			yield(current)
		}
	}
}
