package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

// Sync session states
const (
	SessionRunning   = "running"
	SessionCompleted = "completed"
	SessionFailed    = "failed"
	SessionCancelled = "cancelled"
)

// SyncSession is the ledger row of one sync.
type SyncSession struct {
	ID           string     `json:"id"`
	Repo         string     `json:"repo"`
	StartedAt    time.Time  `json:"started_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	Status       string     `json:"status"`
	NewRuns      int        `json:"new_runs"`
	CachedRuns   int        `json:"cached_runs"`
	JobsFetched  int        `json:"jobs_fetched"`
	PagesSkipped int        `json:"pages_skipped"`
	Backtracks   int        `json:"backtracks"`
	Error        *string    `json:"error,omitempty"`
}

// CreateSyncSession records the start of a sync and returns its id.
func (db *DB) CreateSyncSession(ctx context.Context, repo string, startedAt time.Time) (string, error) {
	id := uuid.New().String()
	_, err := db.ExecContext(ctx, `
		INSERT INTO sync_sessions (id, repo, started_at, status)
		VALUES (?, ?, ?, ?)
	`, id, repo, formatTime(startedAt), SessionRunning)
	if err != nil {
		return "", errors.Wrap(err, "create sync session")
	}
	return id, nil
}

// FinishSyncSession stores the outcome of a sync.
func (db *DB) FinishSyncSession(ctx context.Context, s SyncSession) error {
	finished := time.Now()
	if s.FinishedAt != nil {
		finished = *s.FinishedAt
	}

	result, err := db.ExecContext(ctx, `
		UPDATE sync_sessions
		SET finished_at = ?, status = ?, new_runs = ?, cached_runs = ?, jobs_fetched = ?,
			pages_skipped = ?, backtracks = ?, error = ?
		WHERE id = ?
	`,
		formatTime(finished),
		s.Status,
		s.NewRuns,
		s.CachedRuns,
		s.JobsFetched,
		s.PagesSkipped,
		s.Backtracks,
		s.Error,
		s.ID,
	)
	if err != nil {
		return errors.Wrap(err, "finish sync session")
	}

	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListSyncSessions returns the most recent sessions of repo, newest first.
func (db *DB) ListSyncSessions(ctx context.Context, repo string, limit int) ([]SyncSession, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := db.QueryContext(ctx, `
		SELECT id, repo, started_at, finished_at, status, new_runs, cached_runs, jobs_fetched,
			pages_skipped, backtracks, error
		FROM sync_sessions
		WHERE repo = ?
		ORDER BY started_at DESC
		LIMIT ?
	`, repo, limit)
	if err != nil {
		return nil, errors.Wrap(err, "query sync sessions")
	}
	defer rows.Close()

	sessions := []SyncSession{}
	for rows.Next() {
		var (
			s         SyncSession
			startedAt string
			finished  sql.NullString
			errMsg    sql.NullString
		)
		if err := rows.Scan(
			&s.ID,
			&s.Repo,
			&startedAt,
			&finished,
			&s.Status,
			&s.NewRuns,
			&s.CachedRuns,
			&s.JobsFetched,
			&s.PagesSkipped,
			&s.Backtracks,
			&errMsg,
		); err != nil {
			return nil, errors.Wrap(err, "scan sync session")
		}

		if s.StartedAt, err = parseTime(startedAt); err != nil {
			return nil, errors.Wrap(err, "parse started_at")
		}
		if finished.Valid {
			t, err := parseTime(finished.String)
			if err != nil {
				return nil, errors.Wrap(err, "parse finished_at")
			}
			s.FinishedAt = &t
		}
		if errMsg.Valid {
			s.Error = &errMsg.String
		}
		sessions = append(sessions, s)
	}
	return sessions, errors.Wrap(rows.Err(), "iterate sync sessions")
}
