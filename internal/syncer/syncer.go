// Package syncer batches run and job writes for one sync session and
// persists them from a single writer goroutine, in submission order.
package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/livinlefevreloca/ghastats/internal/runs"
)

// Syncer handles all database write operations and buffering
type Syncer struct {
	// Configuration
	config Config
	logger *slog.Logger
	repo   string
	writer Writer

	// Buffering, owned by the producing goroutine
	runBuffer    []runs.RunRecord
	jobBuffer    map[int64][]runs.JobRecord
	batches      chan batch

	// Written by the writer goroutine
	batchesWritten atomic.Int64
	batchesFailed  atomic.Int64
	runsWritten    atomic.Int64
	jobsWritten    atomic.Int64
	errMu          sync.Mutex
	firstErr       error

	// Control
	started  bool
	shutdown sync.Once
	wg       sync.WaitGroup
}

// NewSyncer creates a new syncer with the specified configuration
func NewSyncer(config Config, repo string, writer Writer, logger *slog.Logger) (*Syncer, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &Syncer{
		config:       config,
		logger:       logger.With("repo", repo),
		repo:         repo,
		writer:       writer,
		runBuffer:    make([]runs.RunRecord, 0, config.RunFlushThreshold),
		jobBuffer:    make(map[int64][]runs.JobRecord),
		batches:      make(chan batch, config.BatchChannelSize),
	}, nil
}

// Start launches the writer goroutine. Writes run detached from ctx's
// cancellation so a batch handed over is always written completely.
func (s *Syncer) Start(ctx context.Context) {
	s.started = true
	s.wg.Add(1)
	go s.run(context.WithoutCancel(ctx))
}

// BufferRun adds a run to the buffer and flushes at the threshold
func (s *Syncer) BufferRun(ctx context.Context, run runs.RunRecord) error {
	if len(s.runBuffer) >= s.config.MaxBuffered {
		return fmt.Errorf("run buffer exceeded maximum size: %d", s.config.MaxBuffered)
	}
	s.runBuffer = append(s.runBuffer, run)

	if len(s.runBuffer) >= s.config.RunFlushThreshold {
		return s.FlushRuns(ctx)
	}
	return nil
}

// BufferJobs adds the jobs of one run and flushes at the threshold
func (s *Syncer) BufferJobs(ctx context.Context, runID int64, jobs []runs.JobRecord) error {
	if _, ok := s.jobBuffer[runID]; !ok && len(s.jobBuffer) >= s.config.MaxBuffered {
		return fmt.Errorf("job buffer exceeded maximum size: %d", s.config.MaxBuffered)
	}
	if jobs == nil {
		jobs = []runs.JobRecord{}
	}
	s.jobBuffer[runID] = jobs

	if len(s.jobBuffer) >= s.config.JobFlushThreshold {
		return s.FlushJobs(ctx)
	}
	return nil
}

// FlushRuns hands all buffered runs to the writer
func (s *Syncer) FlushRuns(ctx context.Context) error {
	if len(s.runBuffer) == 0 {
		return nil
	}
	if err := s.enqueue(ctx, batch{runs: s.runBuffer}); err != nil {
		return err
	}
	s.runBuffer = make([]runs.RunRecord, 0, s.config.RunFlushThreshold)
	return nil
}

// FlushJobs hands all buffered job sets to the writer
func (s *Syncer) FlushJobs(ctx context.Context) error {
	if len(s.jobBuffer) == 0 {
		return nil
	}
	if err := s.enqueue(ctx, batch{jobs: s.jobBuffer}); err != nil {
		return err
	}
	s.jobBuffer = make(map[int64][]runs.JobRecord)
	return nil
}

// Flush hands everything buffered to the writer, runs first
func (s *Syncer) Flush(ctx context.Context) error {
	if err := s.FlushRuns(ctx); err != nil {
		return err
	}
	return s.FlushJobs(ctx)
}

func (s *Syncer) enqueue(ctx context.Context, b batch) error {
	if !s.started {
		return fmt.Errorf("syncer not started")
	}
	select {
	case s.batches <- b:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run writes batches until the channel is closed and drained
func (s *Syncer) run(ctx context.Context) {
	defer s.wg.Done()

	for b := range s.batches {
		var err error
		if b.runs != nil {
			err = s.writer.SaveRuns(ctx, s.repo, b.runs)
		} else {
			err = s.writer.SaveJobs(ctx, s.repo, b.jobs)
		}

		if err != nil {
			s.batchesFailed.Add(1)
			s.recordErr(runs.MarkStorage(err, "write "+b.kind()))
			s.logger.Error("failed to write batch",
				"kind", b.kind(),
				"size", b.size(),
				"error", err)
			continue
		}

		s.batchesWritten.Add(1)
		if b.runs != nil {
			s.runsWritten.Add(int64(len(b.runs)))
		} else {
			s.jobsWritten.Add(int64(len(b.jobs)))
		}
		s.logger.Debug("wrote batch", "kind", b.kind(), "size", b.size())
	}

	s.logger.Debug("syncer writer shut down")
}

func (s *Syncer) recordErr(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.firstErr == nil {
		s.firstErr = err
	}
}

// Err returns the first write failure, if any. It is safe to call from the
// producing goroutine while the writer runs.
func (s *Syncer) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.firstErr
}

// GetStats returns current syncer statistics
func (s *Syncer) GetStats() Stats {
	return Stats{
		BufferedRuns:   len(s.runBuffer),
		BufferedJobs:   len(s.jobBuffer),
		BatchesWritten: s.batchesWritten.Load(),
		BatchesFailed:  s.batchesFailed.Load(),
		RunsWritten:    s.runsWritten.Load(),
		JobsWritten:    s.jobsWritten.Load(),
	}
}

// Shutdown performs the final flush and waits for every queued batch to be
// written. It returns the first write failure of the session.
func (s *Syncer) Shutdown() error {
	s.shutdown.Do(func() {
		if !s.started {
			return
		}
		s.logger.Debug("performing final flush",
			"runs", len(s.runBuffer),
			"jobs", len(s.jobBuffer))

		// The writer is still draining, so these sends cannot block forever
		if err := s.Flush(context.Background()); err != nil {
			s.logger.Warn("final flush failed", "error", err)
		}

		close(s.batches)
		s.wg.Wait()
	})
	return s.Err()
}
