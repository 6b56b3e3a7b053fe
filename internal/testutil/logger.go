// Package testutil holds fakes and helpers shared by package tests.
package testutil

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
)

// LogEntry is one captured record with its attributes flattened. Keys of
// grouped attributes are dotted.
type LogEntry struct {
	Level   slog.Level
	Message string
	Attrs   map[string]any
}

// TestLogger captures everything logged through Logger.
type TestLogger struct {
	mu      sync.Mutex
	entries []LogEntry
}

func NewTestLogger() *TestLogger {
	return &TestLogger{}
}

// Logger returns a logger writing into l at every level.
func (l *TestLogger) Logger() *slog.Logger {
	return slog.New(&captureHandler{sink: l})
}

func (l *TestLogger) append(e LogEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, e)
}

// Entries returns the entries logged at exactly level.
func (l *TestLogger) Entries(level slog.Level) []LogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []LogEntry
	for _, e := range l.entries {
		if e.Level == level {
			out = append(out, e)
		}
	}
	return out
}

// Find returns the first entry whose message contains substr.
func (l *TestLogger) Find(substr string) (LogEntry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, e := range l.entries {
		if strings.Contains(e.Message, substr) {
			return e, true
		}
	}
	return LogEntry{}, false
}

func (l *TestLogger) HasMessage(substr string) bool {
	_, ok := l.Find(substr)
	return ok
}

func (l *TestLogger) HasError() bool {
	return len(l.Entries(slog.LevelError)) > 0
}

func (l *TestLogger) HasWarning() bool {
	return len(l.Entries(slog.LevelWarn)) > 0
}

type captureHandler struct {
	sink   *TestLogger
	attrs  []slog.Attr
	prefix string
}

func (h *captureHandler) Enabled(context.Context, slog.Level) bool {
	return true
}

func (h *captureHandler) Handle(_ context.Context, r slog.Record) error {
	e := LogEntry{
		Level:   r.Level,
		Message: r.Message,
		Attrs:   make(map[string]any, len(h.attrs)+r.NumAttrs()),
	}
	for _, a := range h.attrs {
		e.Attrs[a.Key] = a.Value.Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		e.Attrs[h.prefix+a.Key] = a.Value.Any()
		return true
	})
	h.sink.append(e)
	return nil
}

func (h *captureHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := &captureHandler{sink: h.sink, prefix: h.prefix}
	next.attrs = append(next.attrs, h.attrs...)
	for _, a := range attrs {
		next.attrs = append(next.attrs, slog.Attr{Key: h.prefix + a.Key, Value: a.Value})
	}
	return next
}

func (h *captureHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &captureHandler{sink: h.sink, attrs: h.attrs, prefix: h.prefix + name + "."}
}

// WaitFor polls condition until it holds or timeout passes, failing t in
// the latter case.
func WaitFor(t testing.TB, condition func() bool, timeout time.Duration, msgAndArgs ...any) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !condition() {
		if time.Now().After(deadline) {
			t.Errorf("timeout waiting for condition: %v", msgAndArgs)
			return false
		}
		time.Sleep(5 * time.Millisecond)
	}
	return true
}
