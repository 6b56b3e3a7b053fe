package dispatch

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"

	"github.com/cockroachdb/errors"
)

// Sink delivers messages to a consumer. An error means the consumer is
// gone and ends the sync.
type Sink interface {
	Send(ctx context.Context, msg Message) error
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(ctx context.Context, msg Message) error

func (f SinkFunc) Send(ctx context.Context, msg Message) error {
	return f(ctx, msg)
}

// WriterSink writes one JSON document per line.
type WriterSink struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func NewWriterSink(w io.Writer) *WriterSink {
	return &WriterSink{enc: json.NewEncoder(w)}
}

func (s *WriterSink) Send(_ context.Context, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return errors.Wrap(s.enc.Encode(msg), "write message")
}

// LogSink logs messages instead of delivering them. Used for unattended
// syncs.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Send(ctx context.Context, msg Message) error {
	attrs := []any{"repo", msg.Repo, "type", string(msg.Type)}
	switch p := msg.Payload.(type) {
	case ProgressPayload:
		attrs = append(attrs, "phase", string(p.Phase), "processed", p.Processed, "estimated_total", p.EstimatedTotal)
		if p.ETASeconds != nil {
			attrs = append(attrs, "eta_seconds", *p.ETASeconds)
		}
	case BatchPayload:
		attrs = append(attrs, "phase", string(p.Phase), "runs", len(p.Runs))
	case PhaseCompletePayload:
		attrs = append(attrs, "phase", string(p.Phase), "count", p.Count)
	case CompletePayload:
		if p.Summary != nil {
			attrs = append(attrs, "new_runs", p.Summary.NewRuns, "cached_runs", p.Summary.CachedRuns, "jobs_fetched", p.Summary.JobsFetched)
		}
	case ErrorPayload:
		s.logger.ErrorContext(ctx, "sync stream error", append(attrs, "stage", p.Stage, "error", p.Message)...)
		return nil
	}

	switch msg.Type {
	case TypeComplete, TypePhaseComplete:
		s.logger.InfoContext(ctx, "sync stream", attrs...)
	default:
		s.logger.DebugContext(ctx, "sync stream", attrs...)
	}
	return nil
}
