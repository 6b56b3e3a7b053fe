package inbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/livinlefevreloca/ghastats/internal/testutil"
)

// =============================================================================
// Send / Receive Tests
// =============================================================================

// TestInbox_SendReceive verifies that messages are delivered in order.
func TestInbox_SendReceive(t *testing.T) {
	ib := New[int](4, time.Second, testutil.NewTestLogger().Logger())
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		if err := ib.Send(ctx, i); err != nil {
			t.Fatalf("unexpected send error: %v", err)
		}
	}

	for want := 1; want <= 3; want++ {
		got, ok, err := ib.Receive(ctx)
		if err != nil || !ok {
			t.Fatalf("unexpected receive result: ok=%v err=%v", ok, err)
		}
		if got != want {
			t.Errorf("expected %d, got %d", want, got)
		}
	}

	stats := ib.GetStats()
	if stats.TotalSent != 3 || stats.TotalReceived != 3 {
		t.Errorf("expected 3 sent and received, got %+v", stats)
	}
	if stats.MaxDepthSeen != 3 {
		t.Errorf("expected max depth 3, got %d", stats.MaxDepthSeen)
	}
}

// TestInbox_SendTimeout verifies that a full inbox times out and logs a warning.
func TestInbox_SendTimeout(t *testing.T) {
	logger := testutil.NewTestLogger()
	ib := New[int](1, 10*time.Millisecond, logger.Logger())
	ctx := context.Background()

	if err := ib.Send(ctx, 1); err != nil {
		t.Fatalf("unexpected send error: %v", err)
	}
	if err := ib.Send(ctx, 2); !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if ib.GetStats().TimeoutCount != 1 {
		t.Errorf("expected 1 timeout, got %d", ib.GetStats().TimeoutCount)
	}
	if !logger.HasWarning() {
		t.Error("expected timeout to be logged")
	}
}

// TestInbox_SendCancelled verifies that a blocked send honours its context.
func TestInbox_SendCancelled(t *testing.T) {
	ib := New[int](1, 0, testutil.NewTestLogger().Logger())
	if err := ib.Send(context.Background(), 1); err != nil {
		t.Fatalf("unexpected send error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := ib.Send(ctx, 2); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

// TestInbox_TryReceive verifies non-blocking receive on an empty and a filled inbox.
func TestInbox_TryReceive(t *testing.T) {
	ib := New[string](2, time.Second, testutil.NewTestLogger().Logger())

	if _, ok := ib.TryReceive(); ok {
		t.Fatal("expected nothing to receive")
	}
	_ = ib.Send(context.Background(), "a")
	msg, ok := ib.TryReceive()
	if !ok || msg != "a" {
		t.Fatalf("expected \"a\", got %q (ok=%v)", msg, ok)
	}
}

// =============================================================================
// Close Tests
// =============================================================================

// TestInbox_CloseDrains verifies that queued messages survive Close and that Receive reports the end.
func TestInbox_CloseDrains(t *testing.T) {
	ib := New[int](4, time.Second, testutil.NewTestLogger().Logger())
	ctx := context.Background()
	_ = ib.Send(ctx, 1)
	_ = ib.Send(ctx, 2)
	ib.Close()
	ib.Close()

	if err := ib.Send(ctx, 3); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}

	var got []int
	for {
		msg, ok, err := ib.Receive(ctx)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !ok {
			break
		}
		got = append(got, msg)
	}
	if len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Errorf("expected [1 2], got %v", got)
	}
}

// TestInbox_ConcurrentProducers verifies that several producers can share one inbox.
func TestInbox_ConcurrentProducers(t *testing.T) {
	ib := New[int](8, time.Second, testutil.NewTestLogger().Logger())
	ctx := context.Background()

	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				if err := ib.Send(ctx, i); err != nil {
					t.Errorf("unexpected send error: %v", err)
					return
				}
			}
		}()
	}

	done := make(chan int)
	go func() {
		n := 0
		for {
			_, ok, _ := ib.Receive(ctx)
			if !ok {
				done <- n
				return
			}
			n++
		}
	}()

	wg.Wait()
	ib.Close()
	if n := <-done; n != 100 {
		t.Errorf("expected 100 messages, got %d", n)
	}
}
