// Package dispatch streams a sync to a sink: batched records, progress with
// an ETA, periodic heartbeats and a final complete or error message.
//
// Aggregation is computed once, after the sync succeeds, rather than per
// batch. Runs re-emitted from skipped pages arrive out of creation order,
// and period separation needs chronological input, so the final records
// are put through stats.SortChronologically first.
package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/livinlefevreloca/ghastats/internal/collector"
	"github.com/livinlefevreloca/ghastats/internal/inbox"
	"github.com/livinlefevreloca/ghastats/internal/metrics"
	"github.com/livinlefevreloca/ghastats/internal/runs"
	"github.com/livinlefevreloca/ghastats/internal/stats"
	"golang.org/x/sync/errgroup"
)

// ErrSinkClosed marks a sync that ended because its sink failed.
var ErrSinkClosed = errors.New("sink closed")

// Syncer runs one sync, emitting its records.
type Syncer interface {
	Sync(ctx context.Context, repo, token string, out collector.Emitter) (*collector.Summary, error)
}

// Dispatcher runs syncs and streams them to sinks.
type Dispatcher struct {
	config  Config
	syncer  Syncer
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

type Option func(*Dispatcher)

func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

func New(config Config, syncer Syncer, logger *slog.Logger, opts ...Option) (*Dispatcher, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	d := &Dispatcher{
		config: config,
		syncer: syncer,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// RunOptions adjusts a single streamed sync.
type RunOptions struct {
	// AggregateKind, when set, adds an aggregation message with the
	// statistics of every period before the complete message.
	AggregateKind stats.PeriodKind
}

// Run syncs repo and streams it to sink. It returns when the sync has
// finished and every message has been handed to the sink, or when the sink
// fails. The heartbeat is stopped before the outbound queue is closed.
func (d *Dispatcher) Run(ctx context.Context, repo, token string, sink Sink, opts RunOptions) (*collector.Summary, error) {
	queue := inbox.New[Message](d.config.QueueSize, d.config.SendTimeout, d.logger)
	g, gctx := errgroup.WithContext(ctx)

	s := &stream{
		d:       d,
		repo:    repo,
		queue:   queue,
		kind:    opts.AggregateKind,
		started: d.now(),
		final:   make(map[int64]int),
	}
	s.phaseStarted = s.started
	s.setPhase(collector.PhaseListing)

	// The writer drains until the queue is closed, so a failing sync still
	// delivers its error message.
	g.Go(func() error {
		return d.write(ctx, queue, sink)
	})

	var summary *collector.Summary
	g.Go(func() error {
		defer queue.Close()

		hb := s.startHeartbeat(gctx)
		var err error
		summary, err = d.syncer.Sync(gctx, repo, token, s)
		hb.stop()

		return s.finish(gctx, summary, err)
	})

	err := g.Wait()
	qs := queue.GetStats()
	d.logger.Debug("stream finished",
		"repo", repo,
		"messages", qs.TotalReceived,
		"max_queue_depth", qs.MaxDepthSeen,
		"send_timeouts", qs.TimeoutCount)
	return summary, err
}

// write is the only goroutine talking to the sink.
func (d *Dispatcher) write(ctx context.Context, queue *inbox.Inbox[Message], sink Sink) error {
	for {
		msg, ok, err := queue.Receive(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if err := sink.Send(ctx, msg); err != nil {
			d.logger.Warn("sink failed, stopping sync", "repo", msg.Repo, "type", string(msg.Type), "error", err)
			return errors.Mark(errors.Wrap(err, "send to sink"), ErrSinkClosed)
		}
		d.metrics.StreamMessage(string(msg.Type))
	}
}

// stream is the collector.Emitter of one Run. EmitRun and
// EmitPhaseComplete are called from the sync goroutine only; the heartbeat
// reads the shared progress fields.
type stream struct {
	d     *Dispatcher
	repo  string
	queue *inbox.Inbox[Message]
	kind  stats.PeriodKind

	started      time.Time
	phaseStarted time.Time
	batch        []runs.RunRecord
	estimate     int

	// Last version of every run, for aggregation
	records []runs.RunRecord
	final   map[int64]int

	mu        sync.Mutex
	phase     collector.Phase
	processed atomic.Int64
}

func (s *stream) setPhase(p collector.Phase) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.phase = p
}

func (s *stream) currentPhase() collector.Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

func (s *stream) threshold(p collector.Phase) int {
	if p == collector.PhaseJobs {
		return s.d.config.JobsBatchSize
	}
	return s.d.config.ListingBatchSize
}

func (s *stream) send(ctx context.Context, t MessageType, payload any) error {
	return s.queue.Send(ctx, newMessage(t, s.repo, s.d.now(), payload))
}

func (s *stream) EmitRun(ctx context.Context, ev collector.RunEvent) error {
	if ev.Phase != s.currentPhase() {
		if err := s.flush(ctx); err != nil {
			return err
		}
		s.setPhase(ev.Phase)
		s.phaseStarted = s.d.now()
	}

	s.processed.Store(int64(ev.Processed))
	s.estimate = ev.EstimatedTotal
	s.batch = append(s.batch, ev.Run)
	s.remember(ev.Run)

	if len(s.batch) >= s.threshold(ev.Phase) {
		return s.flush(ctx)
	}
	return nil
}

func (s *stream) EmitPhaseComplete(ctx context.Context, phase collector.Phase, count int) error {
	if err := s.flush(ctx); err != nil {
		return err
	}
	s.processed.Store(int64(count))
	if err := s.send(ctx, TypePhaseComplete, PhaseCompletePayload{Phase: phase, Count: count}); err != nil {
		return err
	}
	return s.sendProgress(ctx, phase, count, count)
}

func (s *stream) remember(run runs.RunRecord) {
	if s.kind == "" {
		return
	}
	if i, ok := s.final[run.ID]; ok {
		s.records[i] = run
		return
	}
	s.final[run.ID] = len(s.records)
	s.records = append(s.records, run)
}

// flush sends the pending batch followed by a progress message.
func (s *stream) flush(ctx context.Context) error {
	if len(s.batch) == 0 {
		return nil
	}
	phase := s.currentPhase()
	batch := s.batch
	s.batch = nil

	if err := s.send(ctx, TypeBatch, BatchPayload{Phase: phase, Runs: batch}); err != nil {
		return err
	}
	return s.sendProgress(ctx, phase, int(s.processed.Load()), s.estimate)
}

func (s *stream) sendProgress(ctx context.Context, phase collector.Phase, processed, estimate int) error {
	now := s.d.now()
	p := computeProgress(phase, processed, estimate, now.Sub(s.started), now.Sub(s.phaseStarted))
	return s.send(ctx, TypeProgress, p)
}

// finish sends the closing messages of a sync.
func (s *stream) finish(ctx context.Context, summary *collector.Summary, syncErr error) error {
	if syncErr != nil {
		if errors.Is(syncErr, context.Canceled) || errors.Is(syncErr, context.DeadlineExceeded) || ctx.Err() != nil {
			return syncErr
		}
		stage := "sync"
		if se, ok := collector.IsStageError(syncErr); ok {
			stage = string(se.Stage)
		}
		if err := s.send(ctx, TypeError, ErrorPayload{Stage: stage, Repo: s.repo, Message: syncErr.Error()}); err != nil {
			s.d.logger.Warn("could not deliver sync error", "repo", s.repo, "error", err)
		}
		return syncErr
	}

	if err := s.flush(ctx); err != nil {
		return err
	}
	if s.kind != "" {
		// Cached runs were emitted out of order
		stats.SortChronologically(s.records)
		acc := stats.NewAccumulator(s.repo, s.kind)
		results := append(acc.AddAll(s.records), acc.Close()...)
		if err := s.send(ctx, TypeAggregation, AggregationPayload{Kind: s.kind, Results: results}); err != nil {
			return err
		}
	}
	return s.send(ctx, TypeComplete, CompletePayload{Summary: summary})
}

type heartbeat struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// startHeartbeat sends a heartbeat every interval until stopped.
func (s *stream) startHeartbeat(ctx context.Context) *heartbeat {
	ctx, cancel := context.WithCancel(ctx)
	hb := &heartbeat{cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(hb.done)
		ticker := time.NewTicker(s.d.config.HeartbeatInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				payload := HeartbeatPayload{
					Phase:          s.currentPhase(),
					Processed:      int(s.processed.Load()),
					ElapsedSeconds: s.d.now().Sub(s.started).Seconds(),
				}
				if err := s.send(ctx, TypeHeartbeat, payload); err != nil && ctx.Err() == nil {
					s.d.logger.Warn("heartbeat not delivered", "repo", s.repo, "error", err)
				}
			}
		}
	}()
	return hb
}

// stop cancels the heartbeat and waits for its goroutine to exit.
func (hb *heartbeat) stop() {
	hb.cancel()
	<-hb.done
}
