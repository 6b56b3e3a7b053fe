package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/livinlefevreloca/ghastats/internal/runs"
)

// RunFilter selects runs for StreamRuns. Empty string fields match anything.
type RunFilter struct {
	Repo         string
	From         time.Time // inclusive
	To           time.Time // exclusive
	Branch       string
	Author       string
	WorkflowName string
}

// SaveRuns upserts a batch of runs and widens the stored date range of every
// workflow touched, all in one transaction. Job details are not written here.
func (db *DB) SaveRuns(ctx context.Context, repo string, batch []runs.RunRecord) error {
	if len(batch) == 0 {
		return nil
	}

	ranges := make(map[int64]runs.WorkflowDateRange)
	for _, run := range batch {
		r, ok := ranges[run.WorkflowID]
		if !ok {
			r = runs.NewDateRange(run.WorkflowID, run.CreatedAt)
		}
		r.Widen(run.CreatedAt)
		ranges[run.WorkflowID] = r
	}

	return db.WithTransaction(ctx, func(tx *Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO runs (repo, run_id, workflow_id, workflow_name, branch, actor, conclusion, created_at, record)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (repo, run_id) DO UPDATE SET
				workflow_id = excluded.workflow_id,
				workflow_name = excluded.workflow_name,
				branch = excluded.branch,
				actor = excluded.actor,
				conclusion = excluded.conclusion,
				created_at = excluded.created_at,
				record = excluded.record
		`)
		if err != nil {
			return errors.Wrap(err, "prepare run upsert")
		}
		defer stmt.Close()

		for _, run := range batch {
			run.Jobs = nil
			blob, err := json.Marshal(run)
			if err != nil {
				return errors.Wrapf(err, "encode run %d", run.ID)
			}
			if _, err := stmt.ExecContext(ctx,
				repo,
				run.ID,
				run.WorkflowID,
				run.WorkflowName,
				run.Branch,
				run.Actor,
				run.Conclusion,
				formatTime(run.CreatedAt),
				string(blob),
			); err != nil {
				return errors.Wrapf(err, "upsert run %d", run.ID)
			}
		}

		for _, r := range ranges {
			if err := tx.widenRange(ctx, repo, r); err != nil {
				return err
			}
		}
		return nil
	})
}

// widenRange merges r into the stored range. Bounds only ever move outward.
func (tx *Tx) widenRange(ctx context.Context, repo string, r runs.WorkflowDateRange) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO workflow_ranges (repo, workflow_id, earliest, latest)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (repo, workflow_id) DO UPDATE SET
			earliest = MIN(earliest, excluded.earliest),
			latest = MAX(latest, excluded.latest)
	`, repo, r.WorkflowID, formatTime(r.Earliest), formatTime(r.Latest))
	return errors.Wrapf(err, "widen range of workflow %d", r.WorkflowID)
}

// SaveJobs stores job details for a set of runs. An empty slice is stored
// as an empty list so the run counts as enriched.
func (db *DB) SaveJobs(ctx context.Context, repo string, jobs map[int64][]runs.JobRecord) error {
	if len(jobs) == 0 {
		return nil
	}

	fetchedAt := formatTime(time.Now())
	return db.WithTransaction(ctx, func(tx *Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO run_jobs (repo, run_id, jobs, fetched_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (repo, run_id) DO UPDATE SET
				jobs = excluded.jobs,
				fetched_at = excluded.fetched_at
		`)
		if err != nil {
			return errors.Wrap(err, "prepare jobs upsert")
		}
		defer stmt.Close()

		for runID, list := range jobs {
			if list == nil {
				list = []runs.JobRecord{}
			}
			blob, err := json.Marshal(list)
			if err != nil {
				return errors.Wrapf(err, "encode jobs of run %d", runID)
			}
			if _, err := stmt.ExecContext(ctx, repo, runID, string(blob), fetchedAt); err != nil {
				return errors.Wrapf(err, "upsert jobs of run %d", runID)
			}
		}
		return nil
	})
}

// LoadRepoState reads every stored run of repo with its jobs, and the stored
// date ranges. Ranges are also recomputed from the runs so that a missing
// range row never shrinks what the cache believes is known.
func (db *DB) LoadRepoState(ctx context.Context, repo string) (*runs.RepoState, error) {
	state := runs.NewRepoState(repo)

	rows, err := db.QueryContext(ctx, `
		SELECT r.record, j.jobs
		FROM runs r
		LEFT JOIN run_jobs j ON j.repo = r.repo AND j.run_id = r.run_id
		WHERE r.repo = ?
	`, repo)
	if err != nil {
		return nil, errors.Wrap(err, "query runs")
	}
	defer rows.Close()

	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		state.Runs[run.ID] = run

		r, ok := state.Ranges[run.WorkflowID]
		if !ok {
			r = runs.NewDateRange(run.WorkflowID, run.CreatedAt)
		}
		r.Widen(run.CreatedAt)
		state.Ranges[run.WorkflowID] = r
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate runs")
	}

	stored, err := db.GetDateRanges(ctx, repo)
	if err != nil {
		return nil, err
	}
	for _, s := range stored {
		r, ok := state.Ranges[s.WorkflowID]
		if !ok {
			state.Ranges[s.WorkflowID] = s
			continue
		}
		r.Merge(s)
		state.Ranges[s.WorkflowID] = r
	}

	return state, nil
}

// GetDateRanges returns the stored date ranges of repo.
func (db *DB) GetDateRanges(ctx context.Context, repo string) ([]runs.WorkflowDateRange, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT workflow_id, earliest, latest
		FROM workflow_ranges
		WHERE repo = ?
		ORDER BY workflow_id
	`, repo)
	if err != nil {
		return nil, errors.Wrap(err, "query date ranges")
	}
	defer rows.Close()

	ranges := []runs.WorkflowDateRange{}
	for rows.Next() {
		var (
			r                runs.WorkflowDateRange
			earliest, latest string
		)
		if err := rows.Scan(&r.WorkflowID, &earliest, &latest); err != nil {
			return nil, errors.Wrap(err, "scan date range")
		}
		if r.Earliest, err = parseTime(earliest); err != nil {
			return nil, errors.Wrapf(err, "parse earliest of workflow %d", r.WorkflowID)
		}
		if r.Latest, err = parseTime(latest); err != nil {
			return nil, errors.Wrapf(err, "parse latest of workflow %d", r.WorkflowID)
		}
		ranges = append(ranges, r)
	}
	return ranges, errors.Wrap(rows.Err(), "iterate date ranges")
}

// StreamRuns calls fn for every run matching filter in created_at order.
// Iteration stops at the first error returned by fn.
func (db *DB) StreamRuns(ctx context.Context, filter RunFilter, fn func(runs.RunRecord) error) error {
	query := `
		SELECT r.record, j.jobs
		FROM runs r
		LEFT JOIN run_jobs j ON j.repo = r.repo AND j.run_id = r.run_id
		WHERE r.repo = ?`
	args := []any{filter.Repo}

	if !filter.From.IsZero() {
		query += " AND r.created_at >= ?"
		args = append(args, formatTime(filter.From))
	}
	if !filter.To.IsZero() {
		query += " AND r.created_at < ?"
		args = append(args, formatTime(filter.To))
	}
	if filter.Branch != "" {
		query += " AND r.branch = ?"
		args = append(args, filter.Branch)
	}
	if filter.Author != "" {
		query += " AND r.actor = ?"
		args = append(args, filter.Author)
	}
	if filter.WorkflowName != "" {
		query += " AND r.workflow_name = ?"
		args = append(args, filter.WorkflowName)
	}
	query += " ORDER BY r.created_at ASC, r.run_id ASC"

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return errors.Wrap(err, "query runs")
	}
	defer rows.Close()

	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return err
		}
		if err := fn(run); err != nil {
			return err
		}
	}
	return errors.Wrap(rows.Err(), "iterate runs")
}

// CountRuns returns how many runs are stored for repo.
func (db *DB) CountRuns(ctx context.Context, repo string) (int, error) {
	var n int
	err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM runs WHERE repo = ?", repo).Scan(&n)
	return n, errors.Wrap(err, "count runs")
}

// ResetRepo forgets everything stored for repo, including its date ranges.
func (db *DB) ResetRepo(ctx context.Context, repo string) error {
	return db.WithTransaction(ctx, func(tx *Tx) error {
		for _, table := range []string{"run_jobs", "runs", "workflow_ranges"} {
			if _, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE repo = ?", repo); err != nil {
				return errors.Wrapf(err, "clear %s", table)
			}
		}
		return nil
	})
}

func scanRun(rows *sql.Rows) (runs.RunRecord, error) {
	var (
		run    runs.RunRecord
		record string
		jobs   sql.NullString
	)
	if err := rows.Scan(&record, &jobs); err != nil {
		return run, errors.Wrap(err, "scan run")
	}
	if err := json.Unmarshal([]byte(record), &run); err != nil {
		return run, errors.Wrap(err, "decode run")
	}
	run.Jobs = nil
	if jobs.Valid {
		var list []runs.JobRecord
		if err := json.Unmarshal([]byte(jobs.String), &list); err != nil {
			return run, errors.Wrapf(err, "decode jobs of run %d", run.ID)
		}
		run = run.WithJobs(list)
	}
	return run, nil
}
