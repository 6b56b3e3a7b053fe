package inbox

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
)

var (
	// ErrTimeout is returned when the inbox stays full for the send timeout.
	ErrTimeout = errors.New("inbox send timeout")

	// ErrClosed is returned when sending to a closed inbox.
	ErrClosed = errors.New("inbox closed")
)

// Inbox provides a generic typed interface for message channels with timeout support
// T is the message type that will be sent through the inbox
type Inbox[T any] struct {
	ch      chan T
	timeout time.Duration
	logger  *slog.Logger
	stats   *Stats
	statsMu sync.Mutex

	// Guards against a send racing Close
	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once
}

// Stats tracks inbox usage and performance metrics
type Stats struct {
	TotalSent     int64
	TotalReceived int64
	TimeoutCount  int64
	CurrentDepth  int
	MaxDepthSeen  int
}

// New creates a new inbox with the specified buffer size and timeout.
// A zero timeout waits until the context is done.
func New[T any](bufferSize int, timeout time.Duration, logger *slog.Logger) *Inbox[T] {
	return &Inbox[T]{
		ch:      make(chan T, bufferSize),
		timeout: timeout,
		logger:  logger,
		stats:   &Stats{},
	}
}

// Send queues a message. It fails when the inbox is closed, when ctx is
// done, or when the inbox stays full for the timeout.
func (ib *Inbox[T]) Send(ctx context.Context, msg T) error {
	ib.mu.RLock()
	defer ib.mu.RUnlock()
	if ib.closed {
		return ErrClosed
	}

	var expired <-chan time.Time
	if ib.timeout > 0 {
		timer := time.NewTimer(ib.timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case ib.ch <- msg:
		atomic.AddInt64(&ib.stats.TotalSent, 1)
		ib.updateDepth()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-expired:
		atomic.AddInt64(&ib.stats.TimeoutCount, 1)
		ib.logger.Warn("inbox send timeout",
			"timeout", ib.timeout,
			"current_depth", len(ib.ch))
		return ErrTimeout
	}
}

// TryReceive attempts to receive a message without blocking
// Returns the message and true if available, zero value and false otherwise
func (ib *Inbox[T]) TryReceive() (T, bool) {
	select {
	case msg, ok := <-ib.ch:
		if ok {
			atomic.AddInt64(&ib.stats.TotalReceived, 1)
		}
		return msg, ok
	default:
		var zero T
		return zero, false
	}
}

// Receive blocks until a message is available or ctx is done. ok is false
// once the inbox is closed and drained.
func (ib *Inbox[T]) Receive(ctx context.Context) (msg T, ok bool, err error) {
	select {
	case msg, ok = <-ib.ch:
		if ok {
			atomic.AddInt64(&ib.stats.TotalReceived, 1)
		}
		return msg, ok, nil
	case <-ctx.Done():
		return msg, false, ctx.Err()
	}
}

func (ib *Inbox[T]) updateDepth() {
	depth := len(ib.ch)
	ib.statsMu.Lock()
	ib.stats.CurrentDepth = depth
	if depth > ib.stats.MaxDepthSeen {
		ib.stats.MaxDepthSeen = depth
	}
	ib.statsMu.Unlock()
}

// GetStats returns a copy of the current inbox statistics
func (ib *Inbox[T]) GetStats() Stats {
	ib.statsMu.Lock()
	defer ib.statsMu.Unlock()
	return Stats{
		TotalSent:     atomic.LoadInt64(&ib.stats.TotalSent),
		TotalReceived: atomic.LoadInt64(&ib.stats.TotalReceived),
		TimeoutCount:  atomic.LoadInt64(&ib.stats.TimeoutCount),
		CurrentDepth:  len(ib.ch),
		MaxDepthSeen:  ib.stats.MaxDepthSeen,
	}
}

// Close closes the inbox. Queued messages can still be received. Safe to
// call more than once.
func (ib *Inbox[T]) Close() {
	ib.closeOnce.Do(func() {
		ib.mu.Lock()
		ib.closed = true
		close(ib.ch)
		ib.mu.Unlock()
	})
}
