package testutil

import (
	"context"
	"sync"
	"time"
)

// MockClock provides controllable time for testing. Sleep advances the
// clock instead of blocking and records every requested duration.
type MockClock struct {
	mu      sync.Mutex
	current time.Time
	sleeps  []time.Duration
}

func NewMockClock(start time.Time) *MockClock {
	return &MockClock{
		current: start,
	}
}

func (m *MockClock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

func (m *MockClock) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = m.current.Add(d)
}

func (m *MockClock) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = t
}

// Sleep matches the sleep hook of components that wait. It returns the
// context error without advancing when ctx is already done.
func (m *MockClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sleeps = append(m.sleeps, d)
	m.current = m.current.Add(d)
	return nil
}

// Sleeps returns every duration passed to Sleep.
func (m *MockClock) Sleeps() []time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]time.Duration, len(m.sleeps))
	copy(out, m.sleeps)
	return out
}
