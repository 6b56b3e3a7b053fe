package source_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/livinlefevreloca/ghastats/internal/runs"
	"github.com/livinlefevreloca/ghastats/internal/source"
	"github.com/livinlefevreloca/ghastats/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newClient(t *testing.T, handler http.Handler) (*source.Client, *testutil.MockClock) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := source.DefaultConfig()
	cfg.BaseURL = srv.URL
	cfg.RequestsPerSecond = 0
	require.NoError(t, cfg.Validate())

	clock := testutil.NewMockClock(epoch)
	c := source.New(cfg, testutil.NewTestLogger().Logger(), source.WithClock(clock.Now, clock.Sleep))
	return c, clock
}

const runsPage = `{
	"total_count": 3,
	"workflow_runs": [
		{"id": 3, "name": "ci", "workflow_id": 7, "head_branch": "main", "head_sha": "abc",
		 "status": "completed", "conclusion": "success", "event": "push",
		 "created_at": "2025-06-01T10:00:00Z", "run_started_at": "2025-06-01T10:00:30Z",
		 "updated_at": "2025-06-01T10:05:30Z", "actor": {"login": "octocat"}},
		{"id": 0, "name": "broken", "created_at": "2025-06-01T09:00:00Z"},
		{"id": 1, "name": "ci", "workflow_id": 7, "head_branch": "dev",
		 "status": "completed", "conclusion": null,
		 "created_at": "2025-06-01T08:00:00Z", "updated_at": "2025-06-01T08:01:00Z"},
		{"id": 2, "name": "ci", "created_at": "not-a-date"}
	]
}`

func TestListRuns_DecodesAndSkipsMalformed(t *testing.T) {
	var gotAuth, gotQuery string
	c, _ := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/repos/octo/hello/actions/workflows/7/runs", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		gotQuery = r.URL.RawQuery
		w.Header().Set("Link", `<https://x/runs?page=3>; rel="next"`)
		fmt.Fprint(w, runsPage)
	}))

	page, err := c.ListRuns(context.Background(), source.PageRequest{
		Repo: "octo/hello", Token: "secret", WorkflowID: 7, Page: 2, PerPage: 4,
	})
	require.NoError(t, err)

	assert.Equal(t, "Bearer secret", gotAuth)
	assert.Equal(t, "page=2&per_page=4", gotQuery)
	assert.Equal(t, 3, page.TotalCount)
	assert.True(t, page.HasNext)
	assert.Equal(t, 2, page.Malformed)
	assert.Equal(t, 4, page.Raw)
	require.Len(t, page.Records, 2)

	first := page.Records[0]
	assert.Equal(t, int64(3), first.ID)
	assert.Equal(t, "octo/hello", first.Repo)
	assert.Equal(t, "octocat", first.Actor)
	assert.Equal(t, runs.ConclusionSuccess, first.Conclusion)
	assert.Equal(t, 300.0, first.Duration, "duration runs from run_started_at to updated_at")
	assert.False(t, first.HasJobs())

	second := page.Records[1]
	assert.Equal(t, int64(7), second.WorkflowID, "workflow id falls back to the request")
	assert.Equal(t, "", second.Conclusion)
	assert.Equal(t, 60.0, second.Duration, "duration falls back to created_at")
}

func TestListRuns_HasNextFromFullPage(t *testing.T) {
	c, _ := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"workflow_runs": [{"id": 1, "created_at": "2025-06-01T08:00:00Z"}]}`)
	}))

	page, err := c.ListRuns(context.Background(), source.PageRequest{Repo: "octo/hello", WorkflowID: 1, Page: 1, PerPage: 1})
	require.NoError(t, err)
	assert.True(t, page.HasNext)
	assert.Equal(t, -1, page.TotalCount)
}

func TestListRuns_RateLimitWaitsForReset(t *testing.T) {
	var calls atomic.Int32
	reset := epoch.Add(90 * time.Second)
	c, clock := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("X-RateLimit-Remaining", "0")
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(reset.Unix(), 10))
			w.WriteHeader(http.StatusForbidden)
			fmt.Fprint(w, `{"message": "API rate limit exceeded"}`)
			return
		}
		fmt.Fprint(w, `{"total_count": 0, "workflow_runs": []}`)
	}))

	_, err := c.ListRuns(context.Background(), source.PageRequest{Repo: "octo/hello", WorkflowID: 1, Page: 1})
	require.NoError(t, err)

	sleeps := clock.Sleeps()
	require.Len(t, sleeps, 1)
	assert.Equal(t, 100*time.Second, sleeps[0], "reset plus the 10s margin")
	assert.Equal(t, int32(2), calls.Load())
}

func TestListRuns_RetryAfter(t *testing.T) {
	var calls atomic.Int32
	c, clock := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "7")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, `{"workflow_runs": []}`)
	}))

	_, err := c.ListRuns(context.Background(), source.PageRequest{Repo: "octo/hello", WorkflowID: 1, Page: 1})
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{7 * time.Second}, clock.Sleeps())
}

func TestListRuns_ProactiveQuotaWait(t *testing.T) {
	var calls atomic.Int32
	reset := epoch.Add(30 * time.Second)
	c, clock := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("X-RateLimit-Remaining", "0")
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(reset.Unix(), 10))
		}
		fmt.Fprint(w, `{"workflow_runs": []}`)
	}))

	ctx := context.Background()
	_, err := c.ListRuns(ctx, source.PageRequest{Repo: "octo/hello", WorkflowID: 1, Page: 1})
	require.NoError(t, err)
	assert.Empty(t, clock.Sleeps())

	_, err = c.ListRuns(ctx, source.PageRequest{Repo: "octo/hello", WorkflowID: 1, Page: 2})
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{40 * time.Second}, clock.Sleeps())
}

func TestListRuns_ServerErrorsExhaustAttempts(t *testing.T) {
	var calls atomic.Int32
	c, clock := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))

	_, err := c.ListRuns(context.Background(), source.PageRequest{Repo: "octo/hello", WorkflowID: 1, Page: 1})
	require.Error(t, err)
	assert.True(t, errors.Is(err, runs.ErrAttemptsExhausted))
	assert.Equal(t, int32(5), calls.Load())
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second}, clock.Sleeps())
}

func TestListRuns_ServerErrorRecovers(t *testing.T) {
	var calls atomic.Int32
	c, clock := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, `{"workflow_runs": []}`)
	}))

	_, err := c.ListRuns(context.Background(), source.PageRequest{Repo: "octo/hello", WorkflowID: 1, Page: 1})
	require.NoError(t, err)
	assert.Len(t, clock.Sleeps(), 2)
}

func TestListRuns_ForbiddenWithoutRateLimitIsFatal(t *testing.T) {
	var calls atomic.Int32
	c, clock := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("X-RateLimit-Remaining", "4999")
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(epoch.Add(time.Hour).Unix(), 10))
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, `{"message": "Resource not accessible by integration"}`)
	}))

	_, err := c.ListRuns(context.Background(), source.PageRequest{Repo: "octo/hello", WorkflowID: 1, Page: 1})
	require.Error(t, err)
	assert.True(t, errors.Is(err, source.ErrRequestFailed))
	assert.Contains(t, err.Error(), "Resource not accessible")
	assert.Equal(t, int32(1), calls.Load())
	assert.Empty(t, clock.Sleeps())
}

func TestListRuns_NotFound(t *testing.T) {
	c, _ := newClient(t, http.NotFoundHandler())

	_, err := c.ListRuns(context.Background(), source.PageRequest{Repo: "octo/hello", WorkflowID: 1, Page: 1})
	assert.True(t, errors.Is(err, source.ErrNotFound))
}

func TestListRuns_InvalidRepo(t *testing.T) {
	c, _ := newClient(t, http.NotFoundHandler())

	_, err := c.ListRuns(context.Background(), source.PageRequest{Repo: "nope", WorkflowID: 1, Page: 1})
	assert.Error(t, err)
}

// failingTransport fails the first n round trips with a connection error.
type failingTransport struct {
	remaining atomic.Int32
	next      http.RoundTripper
}

func (f *failingTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	if f.remaining.Add(-1) >= 0 {
		return nil, fmt.Errorf("dial tcp: connection refused")
	}
	return f.next.RoundTrip(r)
}

func TestListRuns_ConnectionErrorsRetryPastAttemptCap(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"workflow_runs": []}`)
	}))
	t.Cleanup(srv.Close)

	transport := &failingTransport{next: http.DefaultTransport}
	transport.remaining.Store(8)

	cfg := source.DefaultConfig()
	cfg.BaseURL = srv.URL
	cfg.RequestsPerSecond = 0
	clock := testutil.NewMockClock(epoch)
	c := source.New(cfg, testutil.NewTestLogger().Logger(),
		source.WithClock(clock.Now, clock.Sleep),
		source.WithHTTPClient(&http.Client{Transport: transport}))

	_, err := c.ListRuns(context.Background(), source.PageRequest{Repo: "octo/hello", WorkflowID: 1, Page: 1})
	require.NoError(t, err)

	sleeps := clock.Sleeps()
	require.Len(t, sleeps, 8)
	assert.Equal(t, 2*time.Second, sleeps[0])
	assert.Equal(t, 32*time.Second, sleeps[4])
	assert.Equal(t, 60*time.Second, sleeps[5], "backoff is capped at 60s")
	assert.Equal(t, 60*time.Second, sleeps[7])
}

func TestListRuns_CancelledDuringBackoff(t *testing.T) {
	c, _ := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.ListRuns(ctx, source.PageRequest{Repo: "octo/hello", WorkflowID: 1, Page: 1})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestListJobs_Paginates(t *testing.T) {
	c, _ := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/repos/octo/hello/actions/runs/42/jobs", r.URL.Path)
		if r.URL.Query().Get("page") == "1" {
			w.Header().Set("Link", `<https://x?page=2>; rel="next"`)
			fmt.Fprint(w, `{"total_count": 2, "jobs": [
				{"id": 1, "name": "build", "status": "completed", "conclusion": "success",
				 "started_at": "2025-06-01T10:00:00Z", "completed_at": "2025-06-01T10:02:00Z"}]}`)
			return
		}
		w.Header().Set("Link", `<https://x?page=1>; rel="prev"`)
		fmt.Fprint(w, `{"total_count": 2, "jobs": [
			{"id": 2, "name": "test", "status": "in_progress", "conclusion": null,
			 "started_at": "2025-06-01T10:00:00Z", "completed_at": null}]}`)
	}))

	jobs, err := c.ListJobs(context.Background(), "octo/hello", "", 42)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "build", jobs[0].Name)
	assert.Equal(t, 120.0, jobs[0].Duration)
	assert.Equal(t, "test", jobs[1].Name)
	assert.Equal(t, 0.0, jobs[1].Duration)
}

func TestListJobs_EmptyIsNotNil(t *testing.T) {
	c, _ := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"total_count": 0, "jobs": []}`)
	}))

	jobs, err := c.ListJobs(context.Background(), "octo/hello", "", 42)
	require.NoError(t, err)
	assert.NotNil(t, jobs)
	assert.Empty(t, jobs)
}

func TestListWorkflowsAndCountRuns(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/octo/hello/actions/workflows", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"total_count": 2, "workflows": [{"id": 1, "name": "ci"}, {"id": 2, "name": "release"}]}`)
	})
	mux.HandleFunc("/repos/octo/hello/actions/runs", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "1", r.URL.Query().Get("per_page"))
		fmt.Fprint(w, `{"total_count": 1234, "workflow_runs": []}`)
	})
	c, _ := newClient(t, mux)

	workflows, err := c.ListWorkflows(context.Background(), "octo/hello", "")
	require.NoError(t, err)
	require.Len(t, workflows, 2)
	assert.Equal(t, "release", workflows[1].Name)

	total, err := c.CountRuns(context.Background(), "octo/hello", "")
	require.NoError(t, err)
	assert.Equal(t, 1234, total)
}

func TestConfigValidate(t *testing.T) {
	cfg := source.DefaultConfig()
	require.NoError(t, cfg.Validate())

	cfg.PerPage = 101
	assert.Error(t, cfg.Validate())

	cfg = source.DefaultConfig()
	cfg.MaxAttempts = 0
	assert.Error(t, cfg.Validate())

	cfg = source.DefaultConfig()
	cfg.BaseURL = ""
	assert.Error(t, cfg.Validate())
}
