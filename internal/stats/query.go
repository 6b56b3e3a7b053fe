package stats

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/livinlefevreloca/ghastats/internal/db"
	"github.com/livinlefevreloca/ghastats/internal/runs"
)

var (
	defaultFrom = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)
	defaultTo   = time.Date(2100, 1, 1, 0, 0, 0, 0, time.UTC)
)

// RunStreamer streams stored runs oldest first.
type RunStreamer interface {
	StreamRuns(ctx context.Context, filter db.RunFilter, fn func(runs.RunRecord) error) error
}

// Query selects the runs to aggregate. Zero From and To mean unbounded; To
// includes the whole day it falls on.
type Query struct {
	Repo         string
	Kind         PeriodKind
	From         time.Time
	To           time.Time
	Branch       string
	Author       string
	WorkflowName string
}

// Filter returns the store filter selecting the query's runs.
func (q Query) Filter() db.RunFilter {
	from, to := q.From, q.To
	if from.IsZero() {
		from = defaultFrom
	}
	if to.IsZero() {
		to = defaultTo
	} else {
		y, m, d := to.Date()
		to = time.Date(y, m, d, 0, 0, 0, 0, to.Location()).AddDate(0, 0, 1)
	}
	return db.RunFilter{
		Repo:         q.Repo,
		From:         from,
		To:           to,
		Branch:       q.Branch,
		Author:       q.Author,
		WorkflowName: q.WorkflowName,
	}
}

// Querier answers aggregation queries from the Run Store.
type Querier struct {
	store RunStreamer
}

func NewQuerier(store RunStreamer) *Querier {
	return &Querier{store: store}
}

// Query returns one result per period holding at least one matching run,
// ordered by period start.
func (q *Querier) Query(ctx context.Context, query Query) ([]AggregationResult, error) {
	if query.Repo == "" {
		return nil, errors.New("query needs a repository")
	}
	if query.Kind == "" {
		query.Kind = Week
	}
	if !query.From.IsZero() && !query.To.IsZero() && query.To.Before(query.From) {
		return nil, errors.Newf("query range ends (%s) before it starts (%s)",
			query.To.Format(time.DateOnly), query.From.Format(time.DateOnly))
	}

	acc := NewAccumulator(query.Repo, query.Kind)
	var results []AggregationResult
	err := q.store.StreamRuns(ctx, query.Filter(), func(run runs.RunRecord) error {
		results = append(results, acc.Add(run)...)
		return ctx.Err()
	})
	if err != nil {
		return nil, errors.Wrapf(err, "aggregate %s", query.Repo)
	}
	return append(results, acc.Close()...), nil
}
