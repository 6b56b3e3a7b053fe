package stats

import (
	"context"
	"iter"
	"slices"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/livinlefevreloca/ghastats/internal/db"
	"github.com/livinlefevreloca/ghastats/internal/runs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func run(id int64, at time.Time, duration float64, conclusion string) runs.RunRecord {
	return runs.RunRecord{
		ID:           id,
		WorkflowID:   1,
		WorkflowName: "ci",
		Repo:         "octo/hello",
		Branch:       "main",
		Actor:        "octocat",
		Status:       "completed",
		Conclusion:   conclusion,
		CreatedAt:    at,
		UpdatedAt:    at.Add(time.Duration(duration) * time.Second),
		Duration:     duration,
	}
}

// =============================================================================
// Period bounds
// =============================================================================

func TestPeriodBounds_ISOWeekAcrossYearBoundary(t *testing.T) {
	p := PeriodBounds(time.Date(2025, 12, 31, 15, 30, 0, 0, time.UTC), Week)
	assert.Equal(t, date(2025, 12, 29), p.Start)
	assert.Equal(t, date(2026, 1, 5), p.End)
	assert.Equal(t, Week, p.Kind)
}

func TestPeriodBounds_SundayBelongsToPrecedingMonday(t *testing.T) {
	p := PeriodBounds(date(2025, 6, 8), Week)
	assert.Equal(t, time.Monday, p.Start.Weekday())
	assert.Equal(t, date(2025, 6, 2), p.Start)
}

func TestPeriodBounds_Month(t *testing.T) {
	p := PeriodBounds(time.Date(2024, 2, 29, 23, 59, 59, 0, time.UTC), Month)
	assert.Equal(t, date(2024, 2, 1), p.Start)
	assert.Equal(t, date(2024, 3, 1), p.End)

	p = PeriodBounds(date(2025, 12, 15), Month)
	assert.Equal(t, date(2026, 1, 1), p.End)
}

func TestPeriodBounds_IsTotal(t *testing.T) {
	start := time.Date(2023, 12, 20, 7, 13, 0, 0, time.UTC)
	for i := 0; i < 24*120; i += 5 {
		at := start.Add(time.Duration(i) * time.Hour)
		for _, kind := range []PeriodKind{Day, Week, Month} {
			p := PeriodBounds(at, kind)
			require.True(t, p.Contains(at), "%s %s not in [%s, %s)", kind, at, p.Start, p.End)

			switch kind {
			case Day:
				assert.Equal(t, p.Start.AddDate(0, 0, 1), p.End)
			case Week:
				assert.Equal(t, p.Start.AddDate(0, 0, 7), p.End)
				assert.Equal(t, time.Monday, p.Start.Weekday())
			case Month:
				assert.Equal(t, 1, p.Start.Day())
				assert.Equal(t, p.Start.AddDate(0, 1, 0), p.End)
			}
		}
	}
}

func TestPeriodBounds_KeepsLocation(t *testing.T) {
	loc := time.FixedZone("UTC-5", -5*3600)
	p := PeriodBounds(time.Date(2025, 3, 1, 22, 0, 0, 0, loc), Day)
	assert.Equal(t, time.Date(2025, 3, 1, 0, 0, 0, 0, loc), p.Start)
}

func TestParsePeriodKind(t *testing.T) {
	k, err := ParsePeriodKind(" Week ")
	require.NoError(t, err)
	assert.Equal(t, Week, k)

	_, err = ParsePeriodKind("fortnight")
	assert.Error(t, err)
}

// =============================================================================
// Separation
// =============================================================================

func TestSeparateIntoPeriods_SingleDayIsOneGroup(t *testing.T) {
	day := date(2025, 5, 5)
	var records []runs.RunRecord
	for i := 0; i < 12; i++ {
		records = append(records, run(int64(i+1), day.Add(time.Duration(i)*time.Hour), 10, runs.ConclusionSuccess))
	}

	groups := slices.Collect(SeparateIntoPeriods(slices.Values(records), Day))
	require.Len(t, groups, 1)
	assert.Len(t, groups[0].Records, 12)
	assert.Equal(t, day, groups[0].Period.Start)
}

func TestSeparateIntoPeriods_FlushesTrailingGroup(t *testing.T) {
	records := []runs.RunRecord{
		run(1, date(2025, 5, 5), 1, runs.ConclusionSuccess),
		run(2, date(2025, 5, 5).Add(time.Hour), 1, runs.ConclusionSuccess),
		run(3, date(2025, 5, 6), 1, runs.ConclusionSuccess),
		run(4, date(2025, 5, 8), 1, runs.ConclusionSuccess),
	}

	groups := slices.Collect(SeparateIntoPeriods(slices.Values(records), Day))
	require.Len(t, groups, 3)
	assert.Len(t, groups[0].Records, 2)
	assert.Len(t, groups[1].Records, 1)
	assert.Len(t, groups[2].Records, 1)
	assert.Equal(t, int64(4), groups[2].Records[0].ID)
}

func TestSeparateIntoPeriods_Empty(t *testing.T) {
	groups := slices.Collect(SeparateIntoPeriods(slices.Values([]runs.RunRecord(nil)), Month))
	assert.Empty(t, groups)
}

func TestSeparateIntoPeriods_StopsEarly(t *testing.T) {
	pulled := 0
	var seq iter.Seq[runs.RunRecord] = func(yield func(runs.RunRecord) bool) {
		for i := 0; i < 10; i++ {
			pulled++
			if !yield(run(int64(i+1), date(2025, 1, 1).AddDate(0, 0, i), 1, runs.ConclusionSuccess)) {
				return
			}
		}
	}

	for range SeparateIntoPeriods(seq, Day) {
		break
	}
	assert.Equal(t, 2, pulled)
}

// =============================================================================
// Aggregation
// =============================================================================

func TestAggregate_Durations1To31(t *testing.T) {
	var records []runs.RunRecord
	// Shuffled input order must not matter
	for _, d := range []int{31, 7, 1, 16, 24, 8, 2, 30, 3, 29, 4, 28, 5, 27, 6, 26, 9, 25, 10, 23, 11, 22, 12, 21, 13, 20, 14, 19, 15, 18, 17} {
		records = append(records, run(int64(d), date(2025, 1, 1), float64(d), runs.ConclusionSuccess))
	}
	require.Len(t, records, 31)

	res := Aggregate("octo/hello", records, PeriodBounds(date(2025, 1, 1), Day))
	assert.Equal(t, TimeStats{Min: 1, Q1: 8, Median: 16, Q3: 24, Max: 31, Average: 16}, res.TimeStats)
}

func TestAggregate_EvenCountAveragesMiddle(t *testing.T) {
	records := []runs.RunRecord{
		run(1, date(2025, 1, 1), 10, runs.ConclusionSuccess),
		run(2, date(2025, 1, 1), 20, runs.ConclusionSuccess),
		run(3, date(2025, 1, 1), 30, runs.ConclusionSuccess),
		run(4, date(2025, 1, 1), 40, runs.ConclusionSuccess),
	}

	res := Aggregate("octo/hello", records, PeriodBounds(date(2025, 1, 1), Day))
	assert.Equal(t, 15.0, res.TimeStats.Q1)
	assert.Equal(t, 25.0, res.TimeStats.Median)
	assert.Equal(t, 35.0, res.TimeStats.Q3)
	assert.Equal(t, 25.0, res.TimeStats.Average)
}

func TestAggregate_StatusCountsAndSets(t *testing.T) {
	records := []runs.RunRecord{
		run(1, date(2025, 1, 1), 1, runs.ConclusionSuccess),
		run(2, date(2025, 1, 1), 1, runs.ConclusionFailure),
		run(3, date(2025, 1, 1), 1, runs.ConclusionCancelled),
		run(4, date(2025, 1, 1), 1, "skipped"),
	}
	records[1].Branch = "dev"
	records[2].Actor = "hubot"
	records[3].WorkflowName = "lint"
	records[3].Branch = ""

	res := Aggregate("octo/hello", records, PeriodBounds(date(2025, 1, 1), Week))
	assert.Equal(t, "octo/hello", res.RepoName)
	assert.Equal(t, StatusCounts{
		Total:       4,
		Success:     1,
		Failure:     1,
		Cancelled:   1,
		SuccessRate: 25,
		FailureRate: 25,
	}, res.StatusCounts)
	assert.Equal(t, []string{"ci", "lint"}, res.WorkflowNames)
	assert.Equal(t, []string{"dev", "main"}, res.Branches)
	assert.Equal(t, []string{"hubot", "octocat"}, res.Authors)
}

func TestAggregate_EmptyGroupPanics(t *testing.T) {
	defer func() {
		r := recover()
		require.NotNil(t, r)
		err, ok := r.(error)
		require.True(t, ok)
		assert.True(t, errors.HasAssertionFailure(err))
	}()
	Aggregate("octo/hello", nil, PeriodBounds(date(2025, 1, 1), Day))
}

func TestSortChronologically(t *testing.T) {
	records := []runs.RunRecord{
		run(3, date(2025, 1, 3), 1, runs.ConclusionSuccess),
		run(2, date(2025, 1, 1), 1, runs.ConclusionSuccess),
		run(1, date(2025, 1, 1), 1, runs.ConclusionSuccess),
	}
	SortChronologically(records)
	assert.Equal(t, []int64{1, 2, 3}, []int64{records[0].ID, records[1].ID, records[2].ID})
}

// =============================================================================
// Accumulator
// =============================================================================

func TestAccumulator_MatchesSeparation(t *testing.T) {
	var records []runs.RunRecord
	for i := 0; i < 40; i++ {
		records = append(records, run(int64(i+1), date(2025, 1, 1).Add(time.Duration(i)*19*time.Hour), float64(i), runs.ConclusionSuccess))
	}

	var want []AggregationResult
	for g := range SeparateIntoPeriods(slices.Values(records), Week) {
		want = append(want, Aggregate("octo/hello", g.Records, g.Period))
	}

	acc := NewAccumulator("octo/hello", Week)
	var got []AggregationResult
	for batch := range slices.Chunk(records, 7) {
		got = append(got, acc.AddAll(batch)...)
	}
	assert.Positive(t, acc.Pending())
	got = append(got, acc.Close()...)

	assert.Equal(t, want, got)
	assert.Zero(t, acc.Pending())
	assert.Nil(t, acc.Close())
}

// =============================================================================
// Query
// =============================================================================

func newTestDB(t *testing.T) *db.DB {
	t.Helper()
	config := db.DefaultConfig()
	config.DSN = ":memory:"
	database, err := db.OpenWithConfig(context.Background(), config)
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	return database
}

func TestQuerier_WeeklyResultsFromStore(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()

	var batch []runs.RunRecord
	for i := 0; i < 21; i++ {
		r := run(int64(i+1), date(2025, 6, 2).AddDate(0, 0, i).Add(9*time.Hour), float64(60+i), runs.ConclusionSuccess)
		if i%2 == 1 {
			r.Branch = "dev"
		}
		batch = append(batch, r)
	}
	// Stored out of order
	slices.Reverse(batch)
	require.NoError(t, database.SaveRuns(ctx, "octo/hello", batch))

	q := NewQuerier(database)
	results, err := q.Query(ctx, Query{Repo: "octo/hello", Kind: Week})
	require.NoError(t, err)
	require.Len(t, results, 3)
	for i, res := range results {
		assert.Equal(t, date(2025, 6, 2).AddDate(0, 0, 7*i), res.Period.Start)
		assert.Equal(t, 7, res.StatusCounts.Total)
	}

	results, err = q.Query(ctx, Query{Repo: "octo/hello", Kind: Week, Branch: "dev"})
	require.NoError(t, err)
	total := 0
	for _, res := range results {
		total += res.StatusCounts.Total
		assert.Equal(t, []string{"dev"}, res.Branches)
	}
	assert.Equal(t, 10, total)
}

func TestQuerier_ToIncludesWholeDay(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()
	require.NoError(t, database.SaveRuns(ctx, "octo/hello", []runs.RunRecord{
		run(1, date(2025, 6, 2).Add(23*time.Hour), 1, runs.ConclusionSuccess),
		run(2, date(2025, 6, 3).Add(time.Hour), 1, runs.ConclusionSuccess),
	}))

	results, err := NewQuerier(database).Query(ctx, Query{
		Repo: "octo/hello",
		Kind: Day,
		From: date(2025, 6, 2),
		To:   date(2025, 6, 2),
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, 1, results[0].StatusCounts.Total)
}

func TestQuerier_Validation(t *testing.T) {
	q := NewQuerier(newTestDB(t))

	_, err := q.Query(context.Background(), Query{Kind: Day})
	assert.Error(t, err)

	_, err = q.Query(context.Background(), Query{Repo: "octo/hello", From: date(2025, 2, 1), To: date(2025, 1, 1)})
	assert.Error(t, err)
}

func TestQuerier_EmptyRepo(t *testing.T) {
	results, err := NewQuerier(newTestDB(t)).Query(context.Background(), Query{Repo: "octo/none", Kind: Month})
	require.NoError(t, err)
	assert.Empty(t, results)
}

type failingStreamer struct{}

func (failingStreamer) StreamRuns(context.Context, db.RunFilter, func(runs.RunRecord) error) error {
	return errors.New("no such table: runs")
}

func TestQuerier_StoreFailure(t *testing.T) {
	_, err := NewQuerier(failingStreamer{}).Query(context.Background(), Query{Repo: "octo/hello"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "aggregate octo/hello")
}
