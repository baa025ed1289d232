package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestPerMinuteFor(t *testing.T) {
	tests := []struct {
		venue string
		want  int
	}{
		{"binance", 1200},
		{"Binance", 1200},
		{"bybit", 120},
		{"hyperliquid", 600},
		{"kraken", DefaultPerMinute},
		{"", DefaultPerMinute},
	}
	for _, tt := range tests {
		if got := PerMinuteFor(tt.venue); got != tt.want {
			t.Errorf("PerMinuteFor(%q) = %d, want %d", tt.venue, got, tt.want)
		}
	}
}

func TestNewStartsWithBurst(t *testing.T) {
	t.Parallel()
	l := New("binance", 0, 0)
	if l.capacity != 200 {
		t.Errorf("capacity = %v, want 200", l.capacity)
	}
	if l.tokens != l.capacity {
		t.Errorf("tokens = %v, want full bucket %v", l.tokens, l.capacity)
	}
	if cap(l.sem) != DefaultMaxConcurrent {
		t.Errorf("semaphore cap = %d, want %d", cap(l.sem), DefaultMaxConcurrent)
	}
}

func TestAcquireImmediate(t *testing.T) {
	t.Parallel()
	l := New("test", 600, 4)

	for i := 0; i < 5; i++ {
		start := time.Now()
		if err := l.Acquire(context.Background()); err != nil {
			t.Fatalf("Acquire() returned error: %v", err)
		}
		l.Release()
		if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
			t.Errorf("Acquire() took %v, expected immediate (token %d)", elapsed, i)
		}
	}
}

func TestAcquireBlocksWhenBucketEmpty(t *testing.T) {
	t.Parallel()
	l := New("test", 600, 2)
	// Drain the bucket and refill at ~10 tokens/sec so the next token
	// arrives after roughly 100ms.
	l.mu.Lock()
	l.tokens = 0
	l.capacity = 1
	l.rate = 10
	l.last = time.Now()
	l.mu.Unlock()

	start := time.Now()
	if err := l.Acquire(context.Background()); err != nil {
		t.Fatal(err)
	}
	l.Release()
	elapsed := time.Since(start)

	if elapsed < 50*time.Millisecond {
		t.Errorf("expected blocking ~100ms, got %v", elapsed)
	}
	if elapsed > 300*time.Millisecond {
		t.Errorf("blocked too long: %v", elapsed)
	}
}

func TestAcquireContextCancelled(t *testing.T) {
	t.Parallel()
	l := New("test", 600, 2)
	l.mu.Lock()
	l.tokens = 0
	l.rate = 0.1 // very slow refill
	l.last = time.Now()
	l.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if err := l.Acquire(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Acquire() = %v, want context.DeadlineExceeded", err)
	}
}

func TestSemaphoreLimitsInFlight(t *testing.T) {
	t.Parallel()
	l := New("test", 6000, 2)

	if err := l.Acquire(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := l.Acquire(context.Background()); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := l.Acquire(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("third Acquire() = %v, want context.DeadlineExceeded", err)
	}

	l.Release()
	if err := l.Acquire(context.Background()); err != nil {
		t.Errorf("Acquire() after Release returned %v", err)
	}
}

func TestDoReleasesSlot(t *testing.T) {
	t.Parallel()
	l := New("test", 6000, 1)

	err := l.Do(context.Background(), func() error { return errors.New("boom") })
	if err == nil || err.Error() != "boom" {
		t.Fatalf("Do() = %v, want boom", err)
	}
	if got := l.Snapshot().InFlight; got != 0 {
		t.Errorf("InFlight after Do = %d, want 0", got)
	}
}

func TestPenalizeDelaysRefill(t *testing.T) {
	t.Parallel()
	l := New("test", 6000, 2)
	l.Penalize(100 * time.Millisecond)

	start := time.Now()
	if err := l.Acquire(context.Background()); err != nil {
		t.Fatal(err)
	}
	l.Release()
	if elapsed := time.Since(start); elapsed < 80*time.Millisecond {
		t.Errorf("Acquire() after Penalize took %v, want >= ~100ms", elapsed)
	}
}

func TestResize(t *testing.T) {
	t.Parallel()
	l := New("test", 1200, 2)
	l.Resize(60)

	snap := l.Snapshot()
	if snap.PerMinute != 60 {
		t.Errorf("PerMinute = %d, want 60", snap.PerMinute)
	}
	if snap.Tokens > snap.Capacity {
		t.Errorf("tokens %v exceed new capacity %v", snap.Tokens, snap.Capacity)
	}

	// Invalid budgets are ignored.
	l.Resize(0)
	if got := l.Snapshot().PerMinute; got != 60 {
		t.Errorf("PerMinute after Resize(0) = %d, want 60", got)
	}
}

func TestRegistrySharesLimiters(t *testing.T) {
	t.Parallel()
	r := NewRegistry()

	a := r.For("binance", 0, 0)
	b := r.For("Binance", 9999, 1)
	if a != b {
		t.Error("expected the same limiter for the same venue")
	}
	if got := a.Snapshot().PerMinute; got != 1200 {
		t.Errorf("PerMinute = %d, want first-use budget 1200", got)
	}

	if len(r.Snapshots()) != 1 {
		t.Errorf("Snapshots() = %d entries, want 1", len(r.Snapshots()))
	}
}
