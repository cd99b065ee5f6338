package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDisabled(t *testing.T) {
	l := New(0)
	if l != nil {
		t.Fatal("New(0) must disable throttling")
	}
	start := time.Now()
	_ = l.Wait(context.Background(), 1_000_000)
	if d := time.Since(start); d > 50*time.Millisecond {
		t.Fatalf("nil throttle blocked for %s", d)
	}
}

func TestWait(t *testing.T) {
	l := New(1000)
	start := time.Now()
	for range 96 {
		_ = l.Wait(context.Background(), 1)
	}
	// checkEvery is 32, so the last check lands exactly on packet 96.
	if d := time.Since(start); d < 90*time.Millisecond {
		t.Fatalf("96 packets at 1000 pps took %s", d)
	}
}

func TestCheckEveryBounds(t *testing.T) {
	for _, tc := range []struct{ pps, want uint64 }{
		{1, 32}, {3200, 32}, {10_000, 100}, {1_000_000, 1024},
	} {
		if got := New(tc.pps).checkEvery; got != tc.want {
			t.Errorf("New(%d).checkEvery = %d, want %d", tc.pps, got, tc.want)
		}
	}
}

func TestWaitCanceled(t *testing.T) {
	l := New(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// 32 packets at 1 pps are due 32s after start.
	if err := l.Wait(ctx, 32); !errors.Is(err, context.Canceled) {
		t.Fatalf("Wait = %v, want context.Canceled", err)
	}
	if l.Sent() != 32 {
		t.Fatalf("Sent = %d", l.Sent())
	}
}

func TestNoCatchUpBurst(t *testing.T) {
	l := New(1000)
	l.start = l.start.Add(-time.Second) // pretend we stalled for a second
	_ = l.Wait(context.Background(), 32)

	start := time.Now()
	_ = l.Wait(context.Background(), 32)
	if d := time.Since(start); d < 25*time.Millisecond {
		t.Fatalf("throttle burst after stall: next 32 packets took %s", d)
	}
}
