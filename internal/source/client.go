// Package source is the GitHub Actions client the collector pulls runs from.
// It owns retry, backoff and rate-limit handling so callers only ever see
// records or a terminal error.
package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/livinlefevreloca/ghastats/internal/metrics"
	"github.com/livinlefevreloca/ghastats/internal/runs"
	"golang.org/x/time/rate"
)

var (
	// ErrNotFound is returned for a 404 from the remote.
	ErrNotFound = errors.New("remote resource not found")

	// ErrRequestFailed is returned for non-retryable responses.
	ErrRequestFailed = errors.New("remote request failed")
)

// StatusError carries the status and message of a failed response.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("remote returned %d", e.StatusCode)
	}
	return fmt.Sprintf("remote returned %d: %s", e.StatusCode, e.Message)
}

// Client talks to the GitHub REST API.
type Client struct {
	config  Config
	http    *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
	metrics *metrics.Metrics

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	mu        sync.Mutex
	remaining int
	reset     time.Time
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithClock replaces the wall clock and the sleep used for waits.
func WithClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Client) {
		c.now = now
		c.sleep = sleep
	}
}

// WithMetrics records request outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// New creates a client. Callers should validate config first.
func New(config Config, logger *slog.Logger, opts ...Option) *Client {
	c := &Client{
		config:    config,
		http:      &http.Client{Timeout: config.RequestTimeout},
		logger:    logger,
		now:       time.Now,
		sleep:     sleepContext,
		remaining: -1,
	}
	if config.RequestsPerSecond > 0 {
		burst := config.Burst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(config.RequestsPerSecond), burst)
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// PerPage is the page size used for listings.
func (c *Client) PerPage() int {
	return c.config.PerPage
}

// ListWorkflows returns every workflow of repo.
func (c *Client) ListWorkflows(ctx context.Context, repo, token string) ([]Workflow, error) {
	owner, name, ok := runs.SplitRepo(repo)
	if !ok {
		return nil, errors.Newf("invalid repository %q", repo)
	}

	var workflows []Workflow
	for page := 1; ; page++ {
		var body wireWorkflowsPage
		path := fmt.Sprintf("/repos/%s/%s/actions/workflows", owner, name)
		query := url.Values{"page": {strconv.Itoa(page)}, "per_page": {strconv.Itoa(c.config.PerPage)}}
		header, err := c.get(ctx, "workflows", token, path, query, &body)
		if err != nil {
			return nil, errors.Wrapf(err, "list workflows of %s", repo)
		}
		workflows = append(workflows, body.Workflows...)
		if !hasNext(header, len(body.Workflows), c.config.PerPage) {
			break
		}
	}
	return workflows, nil
}

// ListRuns fetches one page of a workflow's runs.
func (c *Client) ListRuns(ctx context.Context, req PageRequest) (*Page, error) {
	owner, name, ok := runs.SplitRepo(req.Repo)
	if !ok {
		return nil, errors.Newf("invalid repository %q", req.Repo)
	}
	perPage := req.PerPage
	if perPage <= 0 {
		perPage = c.config.PerPage
	}

	var body wireRunsPage
	path := fmt.Sprintf("/repos/%s/%s/actions/workflows/%d/runs", owner, name, req.WorkflowID)
	query := url.Values{"page": {strconv.Itoa(req.Page)}, "per_page": {strconv.Itoa(perPage)}}
	header, err := c.get(ctx, "runs", req.Token, path, query, &body)
	if err != nil {
		return nil, errors.Wrapf(err, "list runs of workflow %d page %d", req.WorkflowID, req.Page)
	}

	page := &Page{
		Records:            make([]runs.RunRecord, 0, len(body.WorkflowRuns)),
		TotalCount:         -1,
		RateLimitRemaining: -1,
		Raw:                len(body.WorkflowRuns),
		HasNext:            hasNext(header, len(body.WorkflowRuns), perPage),
	}
	if body.TotalCount != nil {
		page.TotalCount = *body.TotalCount
	}
	if remaining, reset, ok := parseRateLimit(header); ok {
		page.RateLimitRemaining = remaining
		page.RateLimitReset = reset
	}

	for _, raw := range body.WorkflowRuns {
		record, err := decodeRun(raw, req.Repo, req.WorkflowID)
		if err != nil {
			page.Malformed++
			c.logger.Warn("skipping malformed run record",
				"repo", req.Repo,
				"workflow_id", req.WorkflowID,
				"page", req.Page,
				"error", err)
			continue
		}
		page.Records = append(page.Records, record)
	}
	c.metrics.Malformed(page.Malformed)

	return page, nil
}

// ListJobs returns the jobs of one run, following pagination.
func (c *Client) ListJobs(ctx context.Context, repo, token string, runID int64) ([]runs.JobRecord, error) {
	owner, name, ok := runs.SplitRepo(repo)
	if !ok {
		return nil, errors.Newf("invalid repository %q", repo)
	}

	jobs := []runs.JobRecord{}
	for page := 1; ; page++ {
		var body wireJobsPage
		path := fmt.Sprintf("/repos/%s/%s/actions/runs/%d/jobs", owner, name, runID)
		query := url.Values{"page": {strconv.Itoa(page)}, "per_page": {strconv.Itoa(c.config.PerPage)}}
		header, err := c.get(ctx, "jobs", token, path, query, &body)
		if err != nil {
			return nil, errors.Wrapf(err, "list jobs of run %d", runID)
		}
		for _, w := range body.Jobs {
			jobs = append(jobs, decodeJob(w))
		}
		if !hasNext(header, len(body.Jobs), c.config.PerPage) {
			break
		}
	}
	return jobs, nil
}

// CountRuns returns the repository-wide run count the remote reports.
func (c *Client) CountRuns(ctx context.Context, repo, token string) (int, error) {
	owner, name, ok := runs.SplitRepo(repo)
	if !ok {
		return 0, errors.Newf("invalid repository %q", repo)
	}

	var body wireRunsPage
	path := fmt.Sprintf("/repos/%s/%s/actions/runs", owner, name)
	if _, err := c.get(ctx, "count", token, path, url.Values{"per_page": {"1"}}, &body); err != nil {
		return 0, errors.Wrapf(err, "count runs of %s", repo)
	}
	if body.TotalCount == nil {
		return -1, nil
	}
	return *body.TotalCount, nil
}

// get performs a GET and decodes the JSON body into out, retrying as
// needed. Server errors give up after MaxAttempts; connection failures and
// rate limits are retried until ctx is done.
func (c *Client) get(ctx context.Context, endpoint, token, path string, query url.Values, out any) (http.Header, error) {
	serverAttempts := 0
	connAttempts := 0

	for {
		if err := c.waitForQuota(ctx); err != nil {
			return nil, err
		}
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.BaseURL+path+"?"+query.Encode(), nil)
		if err != nil {
			return nil, errors.Wrap(err, "build request")
		}
		req.Header.Set("Accept", "application/vnd.github+json")
		req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
		if c.config.UserAgent != "" {
			req.Header.Set("User-Agent", c.config.UserAgent)
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			connAttempts++
			wait := c.backoff(connAttempts)
			c.metrics.SourceRetry("connection")
			c.logger.Warn("request failed, retrying",
				"endpoint", endpoint,
				"attempt", connAttempts,
				"wait", wait,
				"error", errors.Mark(err, runs.ErrTransient))
			if err := c.sleep(ctx, wait); err != nil {
				return nil, err
			}
			continue
		}

		c.metrics.SourceRequest(endpoint, resp.StatusCode)
		c.observeRateLimit(resp.Header)

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			err := json.NewDecoder(resp.Body).Decode(out)
			resp.Body.Close()
			if err == nil {
				return resp.Header, nil
			}
			// A truncated or garbled body is retried like a server error
			serverAttempts++
			if serverAttempts >= c.config.MaxAttempts {
				return nil, errors.Mark(errors.Wrapf(err, "%s: undecodable response after %d attempts", endpoint, serverAttempts),
					runs.ErrAttemptsExhausted)
			}
			if err := c.retryAfterServerError(ctx, endpoint, resp.StatusCode, serverAttempts); err != nil {
				return nil, err
			}

		case resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusTooManyRequests:
			wait, limited := c.rateLimitWait(resp)
			message := readMessage(resp)
			if limited {
				c.metrics.SourceRetry("rate_limit")
				c.metrics.RateLimitWait(wait)
				c.logger.Info("rate limited, waiting for reset",
					"endpoint", endpoint,
					"status", resp.StatusCode,
					"wait", wait)
				if err := c.sleep(ctx, wait); err != nil {
					return nil, err
				}
				continue
			}
			if resp.StatusCode == http.StatusForbidden {
				return nil, errors.Mark(&StatusError{StatusCode: resp.StatusCode, Message: message}, ErrRequestFailed)
			}
			// 429 without reset information backs off like a server error
			serverAttempts++
			if serverAttempts >= c.config.MaxAttempts {
				return nil, errors.Mark(c.exhausted(endpoint, resp.StatusCode, message, serverAttempts), runs.ErrRateLimited)
			}
			if err := c.retryAfterServerError(ctx, endpoint, resp.StatusCode, serverAttempts); err != nil {
				return nil, err
			}

		case resp.StatusCode >= 500:
			message := readMessage(resp)
			serverAttempts++
			if serverAttempts >= c.config.MaxAttempts {
				return nil, c.exhausted(endpoint, resp.StatusCode, message, serverAttempts)
			}
			if err := c.retryAfterServerError(ctx, endpoint, resp.StatusCode, serverAttempts); err != nil {
				return nil, err
			}

		case resp.StatusCode == http.StatusNotFound:
			message := readMessage(resp)
			return nil, errors.Mark(&StatusError{StatusCode: resp.StatusCode, Message: message}, ErrNotFound)

		default:
			message := readMessage(resp)
			return nil, errors.Mark(&StatusError{StatusCode: resp.StatusCode, Message: message}, ErrRequestFailed)
		}
	}
}

func (c *Client) retryAfterServerError(ctx context.Context, endpoint string, status, attempt int) error {
	wait := c.backoff(attempt)
	c.metrics.SourceRetry("server_error")
	c.logger.Warn("server error, retrying",
		"endpoint", endpoint,
		"status", status,
		"attempt", attempt,
		"wait", wait)
	return c.sleep(ctx, wait)
}

func (c *Client) exhausted(endpoint string, status int, message string, attempts int) error {
	err := errors.Mark(&StatusError{StatusCode: status, Message: message}, runs.ErrAttemptsExhausted)
	return errors.WithDetailf(errors.Wrapf(err, "%s: giving up after %d attempts", endpoint, attempts),
		"last status %d", status)
}

// backoff returns min(2^attempt seconds, MaxBackoff).
func (c *Client) backoff(attempt int) time.Duration {
	if attempt > 30 {
		return c.config.MaxBackoff
	}
	wait := time.Duration(math.Pow(2, float64(attempt))) * time.Second
	if wait > c.config.MaxBackoff {
		return c.config.MaxBackoff
	}
	return wait
}

// rateLimitWait decides whether a 403/429 is a rate limit and how long to
// wait. A 403 only counts when the quota is exhausted or Retry-After is set,
// since GitHub also answers 403 for permission problems.
func (c *Client) rateLimitWait(resp *http.Response) (time.Duration, bool) {
	if after := resp.Header.Get("Retry-After"); after != "" {
		if secs, err := strconv.Atoi(after); err == nil && secs >= 0 {
			return time.Duration(secs) * time.Second, true
		}
	}

	remaining, reset, ok := parseRateLimit(resp.Header)
	if !ok {
		return 0, false
	}
	if resp.StatusCode == http.StatusForbidden && remaining != 0 {
		return 0, false
	}

	wait := reset.Sub(c.now()) + c.config.RateLimitMargin
	if wait < c.config.RateLimitMargin {
		wait = c.config.RateLimitMargin
	}
	return wait, true
}

// observeRateLimit remembers the quota reported by the last response.
func (c *Client) observeRateLimit(h http.Header) {
	remaining, reset, ok := parseRateLimit(h)
	if !ok {
		return
	}
	c.mu.Lock()
	c.remaining = remaining
	c.reset = reset
	c.mu.Unlock()
}

// waitForQuota sleeps until the reset time when the previous response
// reported an exhausted quota.
func (c *Client) waitForQuota(ctx context.Context) error {
	c.mu.Lock()
	remaining, reset := c.remaining, c.reset
	c.mu.Unlock()

	if remaining != 0 {
		return nil
	}
	wait := reset.Sub(c.now())
	if wait > 0 {
		wait += c.config.RateLimitMargin
		c.metrics.RateLimitWait(wait)
		c.logger.Info("rate limit quota exhausted, waiting for reset", "wait", wait)
		if err := c.sleep(ctx, wait); err != nil {
			return err
		}
	}

	c.mu.Lock()
	c.remaining = -1
	c.mu.Unlock()
	return nil
}

func parseRateLimit(h http.Header) (remaining int, reset time.Time, ok bool) {
	resetHeader := h.Get("X-RateLimit-Reset")
	if resetHeader == "" {
		return 0, time.Time{}, false
	}
	epoch, err := strconv.ParseInt(resetHeader, 10, 64)
	if err != nil {
		return 0, time.Time{}, false
	}
	remaining = -1
	if v := h.Get("X-RateLimit-Remaining"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			remaining = n
		}
	}
	return remaining, time.Unix(epoch, 0), true
}

// hasNext prefers the Link header and falls back to "the page was full".
func hasNext(h http.Header, got, perPage int) bool {
	if link := h.Get("Link"); link != "" {
		return strings.Contains(link, `rel="next"`)
	}
	return got >= perPage && got > 0
}

func readMessage(resp *http.Response) string {
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return ""
	}
	var body struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(data, &body) == nil && body.Message != "" {
		return body.Message
	}
	return strings.TrimSpace(string(data))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
