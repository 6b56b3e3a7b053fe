// Package metrics holds the Prometheus collectors of the sync pipeline.
//
// All recording methods are safe to call on a nil *Metrics so components can
// run uninstrumented in tests.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "ghastats"

type Metrics struct {
	sourceRequests *prometheus.CounterVec
	sourceRetries  *prometheus.CounterVec
	rateLimitWait  prometheus.Counter
	pages          *prometheus.CounterVec
	backtracks     prometheus.Counter
	runs           *prometheus.CounterVec
	jobsFetched    prometheus.Counter
	malformed      prometheus.Counter
	storageErrors  prometheus.Counter
	syncDuration   *prometheus.HistogramVec
	streamMessages *prometheus.CounterVec
	activeSyncs    prometheus.Gauge
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		sourceRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "source",
			Name:      "requests_total",
			Help:      "Requests sent to the remote run source by endpoint and status code.",
		}, []string{"endpoint", "code"}),
		sourceRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "source",
			Name:      "retries_total",
			Help:      "Retried requests by reason.",
		}, []string{"reason"}),
		rateLimitWait: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "source",
			Name:      "rate_limit_wait_seconds_total",
			Help:      "Seconds spent waiting for the remote rate limit to reset.",
		}),
		pages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "pages_total",
			Help:      "Listing pages by outcome.",
		}, []string{"outcome"}),
		backtracks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "backtracks_total",
			Help:      "Skip decisions abandoned because they overshot known history.",
		}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "runs_total",
			Help:      "Runs emitted by origin.",
		}, []string{"origin"}),
		jobsFetched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "job_fetches_total",
			Help:      "Per-run job detail fetches.",
		}),
		malformed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "malformed_records_total",
			Help:      "Records skipped because they could not be decoded.",
		}),
		storageErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "storage_errors_total",
			Help:      "Run Store failures that degraded a session to always-fetch.",
		}),
		syncDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "duration_seconds",
			Help:      "Wall time of sync sessions by result.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 14),
		}, []string{"result"}),
		streamMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "messages_total",
			Help:      "Messages delivered to result sinks by type.",
		}, []string{"type"}),
		activeSyncs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "active",
			Help:      "Sync sessions currently running.",
		}),
	}

	for _, c := range []prometheus.Collector{
		m.sourceRequests,
		m.sourceRetries,
		m.rateLimitWait,
		m.pages,
		m.backtracks,
		m.runs,
		m.jobsFetched,
		m.malformed,
		m.storageErrors,
		m.syncDuration,
		m.streamMessages,
		m.activeSyncs,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) SourceRequest(endpoint string, code int) {
	if m == nil {
		return
	}
	m.sourceRequests.WithLabelValues(endpoint, strconv.Itoa(code)).Inc()
}

func (m *Metrics) SourceRetry(reason string) {
	if m == nil {
		return
	}
	m.sourceRetries.WithLabelValues(reason).Inc()
}

func (m *Metrics) RateLimitWait(d time.Duration) {
	if m == nil {
		return
	}
	m.rateLimitWait.Add(d.Seconds())
}

// Page records a listing page as "fetched" or "skipped".
func (m *Metrics) Page(outcome string) {
	if m == nil {
		return
	}
	m.pages.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Backtrack() {
	if m == nil {
		return
	}
	m.backtracks.Inc()
}

// Run records an emitted run as "new" or "cached".
func (m *Metrics) Run(origin string) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(origin).Inc()
}

func (m *Metrics) JobFetch() {
	if m == nil {
		return
	}
	m.jobsFetched.Inc()
}

func (m *Metrics) Malformed(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.malformed.Add(float64(n))
}

func (m *Metrics) StorageError() {
	if m == nil {
		return
	}
	m.storageErrors.Inc()
}

// SyncStarted increments the active gauge and returns a func recording the
// session's duration and decrementing the gauge.
func (m *Metrics) SyncStarted() func(result string) {
	if m == nil {
		return func(string) {}
	}
	start := time.Now()
	m.activeSyncs.Inc()
	return func(result string) {
		m.activeSyncs.Dec()
		m.syncDuration.WithLabelValues(result).Observe(time.Since(start).Seconds())
	}
}

func (m *Metrics) StreamMessage(msgType string) {
	if m == nil {
		return
	}
	m.streamMessages.WithLabelValues(msgType).Inc()
}
